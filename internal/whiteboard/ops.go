package whiteboard

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
)

// OpKind names a whiteboard operation. The values double as websocket event names.
type OpKind string

const (
	OpAddObject  OpKind = "addShape"
	OpMoveObject OpKind = "moveNode"
	OpEditText   OpKind = "editNodeText"
	OpClear      OpKind = "clearBoard"
)

// ErrInvalidOp rejects an operation missing the fields its kind needs.
var ErrInvalidOp = fmt.Errorf("%w: invalid whiteboard operation", errs.ErrValidation)

// NodeUpdate targets an existing object by id. Nil fields are left untouched.
type NodeUpdate struct {
	ID   string   `json:"id"`
	X    *float64 `json:"x,omitempty"`
	Y    *float64 `json:"y,omitempty"`
	Text *string  `json:"text,omitempty"`
}

// Op is one client operation on a board.
type Op struct {
	Kind   OpKind
	Object *model.CanvasObject
	Node   NodeUpdate
}

// ParseOpKind maps an event name onto an OpKind.
func ParseOpKind(event string) (OpKind, bool) {
	switch kind := OpKind(event); kind {
	case OpAddObject, OpMoveObject, OpEditText, OpClear:
		return kind, true
	default:
		return "", false
	}
}

// Validate checks that op carries what its kind requires.
func (op Op) Validate() error {
	switch op.Kind {
	case OpAddObject:
		if op.Object == nil || strings.TrimSpace(op.Object.Type) == "" {
			return fmt.Errorf("%w: object with a type required", ErrInvalidOp)
		}
	case OpMoveObject:
		if strings.TrimSpace(op.Node.ID) == "" || op.Node.X == nil || op.Node.Y == nil {
			return fmt.Errorf("%w: node id and position required", ErrInvalidOp)
		}
	case OpEditText:
		if strings.TrimSpace(op.Node.ID) == "" || op.Node.Text == nil {
			return fmt.Errorf("%w: node id and text required", ErrInvalidOp)
		}
	case OpClear:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
	return nil
}

// Apply returns the document after op and whether anything changed. The input is not mutated.
// Adding an object whose id is already on the board replaces that object in place.
// Moving or editing an unknown object id leaves the document unchanged.
func Apply(document model.WhiteboardDocument, op Op) (model.WhiteboardDocument, bool) {
	switch op.Kind {
	case OpAddObject:
		next := document.Clone()
		if index := indexOf(next.Objects, op.Object.ID); op.Object.ID != "" && index >= 0 {
			next.Objects[index] = *op.Object
			return next, true
		}
		next.Objects = append(next.Objects, *op.Object)
		return next, true
	case OpMoveObject:
		index := indexOf(document.Objects, op.Node.ID)
		if index < 0 {
			return document, false
		}
		next := document.Clone()
		next.Objects[index].X = *op.Node.X
		next.Objects[index].Y = *op.Node.Y
		return next, true
	case OpEditText:
		index := indexOf(document.Objects, op.Node.ID)
		if index < 0 {
			return document, false
		}
		next := document.Clone()
		next.Objects[index].Text = *op.Node.Text
		return next, true
	case OpClear:
		next := document.Clone()
		next.Objects = []model.CanvasObject{}
		return next, true
	default:
		return document, false
	}
}

func indexOf(objects []model.CanvasObject, objectID string) int {
	for index := range objects {
		if objects[index].ID == objectID {
			return index
		}
	}
	return -1
}
