package domain

// Point 是画布坐标系中的一个点。
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// User 表示房间中的一个参与者 (一次连接会话，而非持久账号)。
// ID 由传输层分配，客户端声明的 id 会被覆盖。
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Cursor *Point `json:"cursor,omitempty"`
}

// Clone 返回 User 的深拷贝 (cursor 指针不共享)。
func (u User) Clone() User {
	c := u
	if u.Cursor != nil {
		p := *u.Cursor
		c.Cursor = &p
	}
	return c
}

// DefaultUserName 在客户端未提供显示名时使用。
const DefaultUserName = "Anonymous"

// userPalette 为未声明颜色的参与者分配颜色。
var userPalette = []string{
	"#EF4444", "#F97316", "#F59E0B", "#10B981",
	"#06B6D4", "#3B82F6", "#8B5CF6", "#EC4899",
}

// ColorFor 基于 id 从固定调色板中选取一个稳定的颜色。
func ColorFor(id string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	return userPalette[h%uint32(len(userPalette))]
}
