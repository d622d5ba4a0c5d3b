package domain

import (
	"errors"
	"fmt"
	"math"
	"reflect"
)

// ErrInvalidObject 表示画布对象缺少其类型要求的字段或字段值非法。
var ErrInvalidObject = errors.New("invalid canvas object")

// ErrInvalidCanvas 表示整个画布状态不合法 (对象非法或 id 重复)。
var ErrInvalidCanvas = errors.New("invalid canvas state")

// ObjectType 是画布对象的类型判别字段。
type ObjectType string

const (
	ObjectLine       ObjectType = "line"
	ObjectRectangle  ObjectType = "rectangle"
	ObjectCircle     ObjectType = "circle"
	ObjectText       ObjectType = "text"
	ObjectArrow      ObjectType = "arrow"
	ObjectTriangle   ObjectType = "triangle"
	ObjectDiamond    ObjectType = "diamond"
	ObjectStar       ObjectType = "star"
	ObjectStickyNote ObjectType = "sticky-note"
)

// 默认画布参数，与前端初始 store 保持一致
const (
	DefaultBackground = "#ffffff"
	DefaultGridSize   = 20
)

var objectTypes = map[ObjectType]struct{}{
	ObjectLine: {}, ObjectRectangle: {}, ObjectCircle: {}, ObjectText: {}, ObjectArrow: {},
	ObjectTriangle: {}, ObjectDiamond: {}, ObjectStar: {}, ObjectStickyNote: {},
}

// ParseObjectType 校验并返回对象类型。
func ParseObjectType(s string) (ObjectType, error) {
	t := ObjectType(s)
	if _, ok := objectTypes[t]; !ok {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidObject, s)
	}
	return t, nil
}

// usesPoints 判断该类型是否以折线 points 描述几何形状。
func (t ObjectType) usesPoints() bool {
	return t == ObjectLine || t == ObjectArrow
}

// usesSize 判断该类型是否需要 width/height。
func (t ObjectType) usesSize() bool {
	switch t {
	case ObjectRectangle, ObjectCircle, ObjectTriangle, ObjectDiamond, ObjectStar, ObjectStickyNote:
		return true
	}
	return false
}

// ObjectStyle 是文本类对象的嵌套样式。
type ObjectStyle struct {
	LineDash      []float64 `json:"lineDash,omitempty"`
	FontSize      *float64  `json:"fontSize,omitempty"`
	FontFamily    string    `json:"fontFamily,omitempty"`
	TextAlign     string    `json:"textAlign,omitempty"`
	VerticalAlign string    `json:"verticalAlign,omitempty"`
	Padding       *float64  `json:"padding,omitempty"`
}

// CanvasObject 是画布上的一个可绘制图元。
// 对象是值快照：任何修改都通过生成替换对象完成，不做原地局部修改。
type CanvasObject struct {
	ID   string     `json:"id"`
	Type ObjectType `json:"type"`
	X    float64    `json:"x"`
	Y    float64    `json:"y"`

	// 可选字段用指针表示，以区分 "未设置" 与零值 (新建图形时宽高为 0)
	Width  *float64  `json:"width,omitempty"`
	Height *float64  `json:"height,omitempty"`
	Points []float64 `json:"points,omitempty"`
	Text   *string   `json:"text,omitempty"`

	Fill        string   `json:"fill,omitempty"`
	Stroke      string   `json:"stroke,omitempty"`
	StrokeWidth *float64 `json:"strokeWidth,omitempty"`
	Opacity     *float64 `json:"opacity,omitempty"`

	Rotation *float64 `json:"rotation,omitempty"`
	ScaleX   *float64 `json:"scaleX,omitempty"`
	ScaleY   *float64 `json:"scaleY,omitempty"`

	Locked  bool   `json:"locked,omitempty"`
	Layer   *int   `json:"layer,omitempty"`
	GroupID string `json:"groupId,omitempty"`

	// star 专用
	NumPoints   *int     `json:"numPoints,omitempty"`
	InnerRadius *float64 `json:"innerRadius,omitempty"`
	OuterRadius *float64 `json:"outerRadius,omitempty"`

	Style *ObjectStyle `json:"style,omitempty"`
}

// Validate 按对象类型检查必填字段。非法对象不应被发送到网络。
func (o CanvasObject) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidObject)
	}
	if _, err := ParseObjectType(string(o.Type)); err != nil {
		return fmt.Errorf("object %s: %w", o.ID, err)
	}
	if !finite(o.X) || !finite(o.Y) {
		return fmt.Errorf("%w: object %s has non-finite position", ErrInvalidObject, o.ID)
	}
	if o.Type.usesPoints() {
		if len(o.Points) < 2 || len(o.Points)%2 != 0 {
			return fmt.Errorf("%w: %s %s requires an even, non-empty points list", ErrInvalidObject, o.Type, o.ID)
		}
	}
	if o.Type.usesSize() {
		if o.Width == nil || o.Height == nil {
			return fmt.Errorf("%w: %s %s requires width and height", ErrInvalidObject, o.Type, o.ID)
		}
	}
	if o.Type == ObjectText && o.Text == nil {
		return fmt.Errorf("%w: text %s requires text", ErrInvalidObject, o.ID)
	}
	if o.Opacity != nil && (*o.Opacity < 0 || *o.Opacity > 1) {
		return fmt.Errorf("%w: object %s opacity %v out of range [0,1]", ErrInvalidObject, o.ID, *o.Opacity)
	}
	if o.StrokeWidth != nil && *o.StrokeWidth < 0 {
		return fmt.Errorf("%w: object %s has negative strokeWidth", ErrInvalidObject, o.ID)
	}
	if o.NumPoints != nil && *o.NumPoints < 2 {
		return fmt.Errorf("%w: star %s needs at least 2 points", ErrInvalidObject, o.ID)
	}
	return nil
}

// Clone 返回对象的深拷贝。
func (o CanvasObject) Clone() CanvasObject {
	c := o
	c.Width = cloneFloat(o.Width)
	c.Height = cloneFloat(o.Height)
	if o.Points != nil {
		c.Points = append([]float64(nil), o.Points...)
	}
	if o.Text != nil {
		t := *o.Text
		c.Text = &t
	}
	c.StrokeWidth = cloneFloat(o.StrokeWidth)
	c.Opacity = cloneFloat(o.Opacity)
	c.Rotation = cloneFloat(o.Rotation)
	c.ScaleX = cloneFloat(o.ScaleX)
	c.ScaleY = cloneFloat(o.ScaleY)
	c.Layer = cloneInt(o.Layer)
	c.NumPoints = cloneInt(o.NumPoints)
	c.InnerRadius = cloneFloat(o.InnerRadius)
	c.OuterRadius = cloneFloat(o.OuterRadius)
	if o.Style != nil {
		s := *o.Style
		if o.Style.LineDash != nil {
			s.LineDash = append([]float64(nil), o.Style.LineDash...)
		}
		s.FontSize = cloneFloat(o.Style.FontSize)
		s.Padding = cloneFloat(o.Style.Padding)
		c.Style = &s
	}
	return c
}

// Equal 做全字段比较，用于变更检测 (身份比较只看 ID)。
func (o CanvasObject) Equal(other CanvasObject) bool {
	return reflect.DeepEqual(o, other)
}

// CanvasState 是整块画布的聚合状态。objects 的顺序即绘制顺序 (z-order)。
type CanvasState struct {
	Objects    []CanvasObject `json:"objects"`
	Background string         `json:"background"`
	GridSize   int            `json:"gridSize"`
	SnapToGrid bool           `json:"snapToGrid"`
}

// NewCanvasState 返回空画布 (默认背景与网格)。
func NewCanvasState() CanvasState {
	return CanvasState{
		Objects:    []CanvasObject{},
		Background: DefaultBackground,
		GridSize:   DefaultGridSize,
	}
}

// Normalize 补齐缺省字段，保证 objects 序列化为 [] 而不是 null。
func (s CanvasState) Normalize() CanvasState {
	if s.Objects == nil {
		s.Objects = []CanvasObject{}
	}
	if s.Background == "" {
		s.Background = DefaultBackground
	}
	if s.GridSize <= 0 {
		s.GridSize = DefaultGridSize
	}
	return s
}

// Validate 检查每个对象以及 id 的唯一性。
func (s CanvasState) Validate() error {
	seen := make(map[string]struct{}, len(s.Objects))
	for i, obj := range s.Objects {
		if err := obj.Validate(); err != nil {
			return fmt.Errorf("%w: objects[%d]: %v", ErrInvalidCanvas, i, err)
		}
		if _, dup := seen[obj.ID]; dup {
			return fmt.Errorf("%w: duplicate object id %q", ErrInvalidCanvas, obj.ID)
		}
		seen[obj.ID] = struct{}{}
	}
	return nil
}

// Clone 返回画布的深拷贝。
func (s CanvasState) Clone() CanvasState {
	c := s
	c.Objects = make([]CanvasObject, len(s.Objects))
	for i, obj := range s.Objects {
		c.Objects[i] = obj.Clone()
	}
	return c
}

// Equal 比较两个画布的全部字段；nil 与空 objects 视为相同。
func (s CanvasState) Equal(other CanvasState) bool {
	if s.Background != other.Background || s.GridSize != other.GridSize || s.SnapToGrid != other.SnapToGrid {
		return false
	}
	if len(s.Objects) != len(other.Objects) {
		return false
	}
	for i := range s.Objects {
		if !s.Objects[i].Equal(other.Objects[i]) {
			return false
		}
	}
	return true
}

// IndexOf 返回对象下标，不存在时返回 -1。
func (s CanvasState) IndexOf(id string) int {
	for i, obj := range s.Objects {
		if obj.ID == id {
			return i
		}
	}
	return -1
}

// Object 按 id 查找对象。
func (s CanvasState) Object(id string) (CanvasObject, bool) {
	if i := s.IndexOf(id); i >= 0 {
		return s.Objects[i], true
	}
	return CanvasObject{}, false
}

// WithObject 返回追加了 obj 的新画布 (置于最上层)。
func (s CanvasState) WithObject(obj CanvasObject) CanvasState {
	next := s.Clone()
	next.Objects = append(next.Objects, obj.Clone())
	return next
}

// ReplaceObject 用 fn 生成的替换对象替换 id 对应的对象。
// fn 收到的是深拷贝；返回对象的 id 被强制保持不变。
func (s CanvasState) ReplaceObject(id string, fn func(CanvasObject) CanvasObject) (CanvasState, bool) {
	i := s.IndexOf(id)
	if i < 0 {
		return s, false
	}
	next := s.Clone()
	replacement := fn(next.Objects[i].Clone())
	replacement.ID = id
	next.Objects[i] = replacement
	return next, true
}

// WithoutObject 返回删除了 id 对应对象的新画布。
func (s CanvasState) WithoutObject(id string) (CanvasState, bool) {
	i := s.IndexOf(id)
	if i < 0 {
		return s, false
	}
	next := s.Clone()
	next.Objects = append(next.Objects[:i], next.Objects[i+1:]...)
	return next, true
}

// Float 和 Int 用于构造可选字段。
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }
func String(v string) *string  { return &v }

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
