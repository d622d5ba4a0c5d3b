package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/dto"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const sessionWriteWait = 10 * time.Second

// ErrSessionClosed 表示连接已经关闭
var ErrSessionClosed = errors.New("session closed")

// Session 把一个 Store 接到同步服务器的某个房间：
// 收到的广播写入 Store，本地修改通过 Emit* 发送出去。断线后不自动重连。
type Session struct {
	conn   *websocket.Conn
	store  *Store
	roomID string
	log    *logrus.Entry

	writeMu sync.Mutex

	mu      sync.RWMutex
	userID  string
	lastErr string

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial 连接服务器 (ws://host/ws) 并加入 roomID。
// 加入时使用 Store 中的当前用户作为显示名和颜色。
func Dial(ctx context.Context, url, roomID string, store *Store) (*Session, error) {
	if store == nil {
		return nil, fmt.Errorf("dial %s: nil store", url)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	s := &Session{
		conn:   conn,
		store:  store,
		roomID: roomID,
		log:    logrus.WithFields(logrus.Fields{"component": "client_session", "room_id": roomID}),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.readLoop()

	user, _ := store.CurrentUser()
	if err := s.emit(dto.EventJoin, dto.JoinPayload{RoomID: roomID, User: user}); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// WaitReady 等待加入房间的引导数据全部到达
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done 在连接关闭后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// UserID 返回服务端分配的参与者 id
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// LastError 返回最近一次服务端 error 事件的内容
func (s *Session) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Close 关闭连接并等待读循环退出
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	<-s.done
	return err
}

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Warn("Session read error")
			}
			return
		}
		env, err := dto.Decode(msg)
		if err != nil {
			s.log.WithError(err).Warn("Ignoring malformed frame")
			continue
		}
		if err := s.apply(env); err != nil {
			s.log.WithError(err).WithField("event", env.Event).Warn("Failed to apply event")
		}
	}
}

// apply 把服务端事件写入 Store
func (s *Session) apply(env dto.Envelope) error {
	switch env.Event {
	case dto.EventConnected:
		var p dto.ConnectedPayload
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		s.mu.Lock()
		s.userID = p.UserID
		s.mu.Unlock()
		user, _ := s.store.CurrentUser()
		user.ID = p.UserID
		s.store.SetCurrentUser(user)

	case dto.EventCanvasState:
		var canvas domain.CanvasState
		if err := env.DecodeData(&canvas); err != nil {
			return err
		}
		s.store.Bootstrap(canvas)

	case dto.EventHistoryState:
		var actions []domain.HistoryAction
		if err := env.DecodeData(&actions); err != nil {
			return err
		}
		s.store.SetRemoteHistory(actions)

	case dto.EventCurrentUsers:
		var users []domain.User
		if err := env.DecodeData(&users); err != nil {
			return err
		}
		s.store.SetUsers(users)
		s.readyOnce.Do(func() { close(s.ready) })

	case dto.EventUserJoined:
		var u domain.User
		if err := env.DecodeData(&u); err != nil {
			return err
		}
		s.store.AddUser(u)

	case dto.EventUserLeft:
		var id string
		if err := env.DecodeData(&id); err != nil {
			return err
		}
		s.store.RemoveUser(id)

	case dto.EventCanvasUpdate:
		var canvas domain.CanvasState
		if err := env.DecodeData(&canvas); err != nil {
			return err
		}
		s.store.SetCanvas(canvas)

	case dto.EventCursorUpdate:
		var p dto.CursorUpdate
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		s.store.UpdateUserCursor(p.UserID, p.Cursor)

	case dto.EventHistoryUpdate:
		var action domain.HistoryAction
		if err := env.DecodeData(&action); err != nil {
			return err
		}
		// 对方的修改已经通过 canvas-update 到达，这里把当前画布记入本地历史
		s.store.AppendRemoteHistory(action)
		s.store.CommitHistory()

	case dto.EventError:
		var p dto.ErrorPayload
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		s.mu.Lock()
		s.lastErr = p.Message
		s.mu.Unlock()
		s.log.WithField("message", p.Message).Warn("Server rejected request")

	default:
		s.log.WithField("event", env.Event).Debug("Ignoring unknown event")
	}
	return nil
}

func (s *Session) emit(event string, data any) error {
	frame, err := dto.Encode(event, data)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// EmitCanvasUpdate 发送完整画布
func (s *Session) EmitCanvasUpdate(canvas domain.CanvasState) error {
	return s.emit(dto.EventCanvasUpdate, dto.CanvasUpdatePayload{RoomID: s.roomID, Canvas: &canvas})
}

// EmitCursorMove 发送本地光标位置
func (s *Session) EmitCursorMove(cursor domain.Point) error {
	return s.emit(dto.EventCursorMove, dto.CursorMovePayload{RoomID: s.roomID, Cursor: cursor})
}

// EmitHistoryAction 发送动作元数据
func (s *Session) EmitHistoryAction(action domain.HistoryAction) error {
	return s.emit(dto.EventAddToHistory, dto.AddToHistoryPayload{RoomID: s.roomID, Action: action})
}

// publish 发送本地修改后的完整画布，再发送对应的动作记录
func (s *Session) publish(action domain.HistoryAction) error {
	if err := s.EmitCanvasUpdate(s.store.Canvas()); err != nil {
		return err
	}
	action.Timestamp = time.Now().UnixMilli()
	action.UserID = s.UserID()
	return s.EmitHistoryAction(action)
}

// AddObject 在本地添加对象并同步给房间
func (s *Session) AddObject(obj domain.CanvasObject) error {
	if err := s.store.AddObject(obj); err != nil {
		return err
	}
	o := obj.Clone()
	return s.publish(domain.HistoryAction{Type: domain.ActionAdd, ObjectID: obj.ID, Object: &o})
}

// UpdateObject 在本地修改对象并同步给房间
func (s *Session) UpdateObject(id string, fn func(domain.CanvasObject) domain.CanvasObject) error {
	if err := s.store.UpdateObject(id, fn); err != nil {
		return err
	}
	action := domain.HistoryAction{Type: domain.ActionUpdate, ObjectID: id}
	if obj, ok := s.store.Canvas().Object(id); ok {
		action.Object = &obj
	}
	return s.publish(action)
}

// DeleteObject 在本地删除对象并同步给房间
func (s *Session) DeleteObject(id string) error {
	if err := s.store.DeleteObject(id); err != nil {
		return err
	}
	return s.publish(domain.HistoryAction{Type: domain.ActionDelete, ObjectID: id})
}

// ClearCanvas 清空画布并同步给房间
func (s *Session) ClearCanvas() error {
	s.store.ClearCanvas()
	return s.publish(domain.HistoryAction{Type: domain.ActionClear})
}

// Undo 本地撤销一步并发送结果画布；没有可撤销的步骤时不发送
func (s *Session) Undo() (bool, error) {
	if !s.store.Undo() {
		return false, nil
	}
	return true, s.EmitCanvasUpdate(s.store.Canvas())
}

// Redo 本地重做一步并发送结果画布
func (s *Session) Redo() (bool, error) {
	if !s.store.Redo() {
		return false, nil
	}
	return true, s.EmitCanvasUpdate(s.store.Canvas())
}
