package domain_test

import (
	"encoding/json"
	"errors"
	"testing"

	"collaborative-canvas/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rect(id string) domain.CanvasObject {
	return domain.CanvasObject{
		ID: id, Type: domain.ObjectRectangle, X: 10, Y: 10,
		Width: domain.Float(50), Height: domain.Float(30),
	}
}

func TestCanvasObject_Validate(t *testing.T) {
	cases := []struct {
		name    string
		obj     domain.CanvasObject
		wantErr bool
	}{
		{"rectangle ok", rect("o1"), false},
		{"rectangle zero size ok", domain.CanvasObject{ID: "r", Type: domain.ObjectRectangle, Width: domain.Float(0), Height: domain.Float(0)}, false},
		{"rectangle missing height", domain.CanvasObject{ID: "r", Type: domain.ObjectRectangle, Width: domain.Float(1)}, true},
		{"line ok", domain.CanvasObject{ID: "l", Type: domain.ObjectLine, Points: []float64{0, 0, 5, 5}}, false},
		{"pencil start ok", domain.CanvasObject{ID: "l", Type: domain.ObjectLine, Points: []float64{3, 4}}, false},
		{"line missing points", domain.CanvasObject{ID: "l", Type: domain.ObjectLine}, true},
		{"arrow odd points", domain.CanvasObject{ID: "a", Type: domain.ObjectArrow, Points: []float64{1, 2, 3}}, true},
		{"text ok", domain.CanvasObject{ID: "t", Type: domain.ObjectText, Text: domain.String("hi")}, false},
		{"text missing text", domain.CanvasObject{ID: "t", Type: domain.ObjectText}, true},
		{"star missing size", domain.CanvasObject{ID: "s", Type: domain.ObjectStar, NumPoints: domain.Int(5)}, true},
		{"star too few points", domain.CanvasObject{ID: "s", Type: domain.ObjectStar, Width: domain.Float(1), Height: domain.Float(1), NumPoints: domain.Int(1)}, true},
		{"unknown type", domain.CanvasObject{ID: "x", Type: "hexagon"}, true},
		{"missing id", domain.CanvasObject{Type: domain.ObjectCircle, Width: domain.Float(1), Height: domain.Float(1)}, true},
		{"opacity out of range", domain.CanvasObject{ID: "c", Type: domain.ObjectCircle, Width: domain.Float(1), Height: domain.Float(1), Opacity: domain.Float(1.5)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.obj.Validate()
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrInvalidObject))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCanvasState_ValidateRejectsDuplicateIDs(t *testing.T) {
	state := domain.NewCanvasState().WithObject(rect("o1")).WithObject(rect("o1"))
	err := state.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidCanvas))
}

func TestCanvasState_CloneIsDeep(t *testing.T) {
	orig := domain.NewCanvasState().WithObject(domain.CanvasObject{
		ID: "l1", Type: domain.ObjectLine, Points: []float64{1, 2, 3, 4},
		Style: &domain.ObjectStyle{FontSize: domain.Float(12), LineDash: []float64{2, 2}},
	})
	clone := orig.Clone()
	clone.Objects[0].Points[0] = 99
	*clone.Objects[0].Style.FontSize = 40
	clone.Objects[0].Style.LineDash[0] = 7

	assert.Equal(t, 1.0, orig.Objects[0].Points[0])
	assert.Equal(t, 12.0, *orig.Objects[0].Style.FontSize)
	assert.Equal(t, 2.0, orig.Objects[0].Style.LineDash[0])
	assert.False(t, orig.Equal(clone))
}

func TestCanvasState_ReplaceAndRemoveDoNotMutateInput(t *testing.T) {
	base := domain.NewCanvasState().WithObject(rect("o1")).WithObject(rect("o2"))

	moved, ok := base.ReplaceObject("o1", func(o domain.CanvasObject) domain.CanvasObject {
		o.X = 200
		o.ID = "hijacked"
		return o
	})
	require.True(t, ok)
	assert.Equal(t, 10.0, base.Objects[0].X)
	assert.Equal(t, 200.0, moved.Objects[0].X)
	assert.Equal(t, "o1", moved.Objects[0].ID, "replacement keeps identity")

	removed, ok := base.WithoutObject("o1")
	require.True(t, ok)
	assert.Len(t, base.Objects, 2)
	require.Len(t, removed.Objects, 1)
	assert.Equal(t, "o2", removed.Objects[0].ID)

	_, ok = base.WithoutObject("missing")
	assert.False(t, ok)
}

func TestCanvasState_JSONShape(t *testing.T) {
	raw, err := json.Marshal(domain.NewCanvasState())
	require.NoError(t, err)
	assert.JSONEq(t, `{"objects":[],"background":"#ffffff","gridSize":20,"snapToGrid":false}`, string(raw))

	var decoded domain.CanvasState
	require.NoError(t, json.Unmarshal([]byte(`{"objects":[{"id":"o1","type":"rectangle","x":10,"y":10,"width":50,"height":30}]}`), &decoded))
	decoded = decoded.Normalize()
	assert.Equal(t, domain.DefaultBackground, decoded.Background)
	assert.True(t, decoded.Objects[0].Equal(rect("o1")))
}

func TestActionLog_KeepsMostRecent(t *testing.T) {
	log := domain.NewActionLog(0, nil)
	for i := 0; i < 105; i++ {
		log.Append(domain.HistoryAction{Type: domain.ActionAdd, Timestamp: int64(i)})
	}
	list := log.List()
	require.Len(t, list, domain.DefaultActionLogLimit)
	assert.Equal(t, int64(5), list[0].Timestamp)
	assert.Equal(t, int64(104), list[len(list)-1].Timestamp)
}

func TestColorFor_IsStable(t *testing.T) {
	assert.Equal(t, domain.ColorFor("abc"), domain.ColorFor("abc"))
	assert.NotEmpty(t, domain.ColorFor(""))
}
