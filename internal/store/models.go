package store

// User is a workspace account. Role holds one of the model.Role values.
type User struct {
	ID               string `gorm:"column:id;primaryKey;size:64;not null"`
	Name             string `gorm:"column:name;size:320;not null;default:''"`
	Email            string `gorm:"column:email;size:320;not null;default:''"`
	Role             string `gorm:"column:role;size:32;not null;default:'user'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Project is a collaboration room.
type Project struct {
	ID               string `gorm:"column:id;primaryKey;size:64;not null"`
	Name             string `gorm:"column:name;size:320;not null;default:''"`
	ManagerID        string `gorm:"column:manager_id;size:64;not null;default:'';index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// ProjectMember lists a user as a member of a project.
type ProjectMember struct {
	ProjectID string `gorm:"column:project_id;primaryKey;size:64;not null"`
	UserID    string `gorm:"column:user_id;primaryKey;size:64;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (ProjectMember) TableName() string {
	return "project_members"
}

// Task is a unit of work inside a project.
type Task struct {
	ID               string `gorm:"column:id;primaryKey;size:64;not null"`
	ProjectID        string `gorm:"column:project_id;size:64;not null;index"`
	Title            string `gorm:"column:title;size:512;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Task) TableName() string {
	return "tasks"
}

// TaskAssignment binds a user to a task. ProjectID is denormalized for room queries.
type TaskAssignment struct {
	TaskID    string `gorm:"column:task_id;primaryKey;size:64;not null"`
	UserID    string `gorm:"column:user_id;primaryKey;size:64;not null;index:idx_assignments_project_user,priority:2"`
	ProjectID string `gorm:"column:project_id;size:64;not null;index:idx_assignments_project_user,priority:1"`
}

// TableName provides the explicit table binding for GORM.
func (TaskAssignment) TableName() string {
	return "task_assignments"
}

// ChatMessage is the persisted form of a chat message.
type ChatMessage struct {
	ID              string  `gorm:"column:id;primaryKey;size:64;not null"`
	ProjectID       string  `gorm:"column:project_id;size:64;not null;index:idx_messages_project_parent_time,priority:1"`
	ParentMessageID *string `gorm:"column:parent_message_id;size:64;index:idx_messages_project_parent_time,priority:2"`
	SenderID        string  `gorm:"column:sender_id;size:64;not null"`
	Text            string  `gorm:"column:text;type:text;not null"`
	CreatedAtNanos  int64   `gorm:"column:created_at_ns;not null;index:idx_messages_project_parent_time,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// Whiteboard stores one canvas document per project.
type Whiteboard struct {
	ProjectID        string `gorm:"column:project_id;primaryKey;size:64;not null"`
	ObjectsJSON      string `gorm:"column:objects_json;type:text;not null"`
	Background       string `gorm:"column:background;size:64;not null;default:''"`
	SettingsJSON     string `gorm:"column:settings_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Whiteboard) TableName() string {
	return "whiteboards"
}

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{
		&User{},
		&Project{},
		&ProjectMember{},
		&Task{},
		&TaskAssignment{},
		&ChatMessage{},
		&Whiteboard{},
	}
}
