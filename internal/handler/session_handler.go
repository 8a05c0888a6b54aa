package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/firewatch/internal/model"
	"github.com/hitoshi/firewatch/internal/session"
)

// defaultHeartbeat はイベントストリームのキープアライブ送信間隔。
const defaultHeartbeat = 25 * time.Second

// SessionSource はセッション状態の参照と購読に必要なインターフェース。
// session.Managerが実装する。
type SessionSource interface {
	Current() (model.Session, error)
	Subscribe(fn func(model.Session)) *session.Subscription
}

// SessionHandler は現在のセッション状態を返すHTTPハンドラー。
type SessionHandler struct {
	source    SessionSource
	heartbeat time.Duration
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(source SessionSource) *SessionHandler {
	return &SessionHandler{source: source, heartbeat: defaultHeartbeat}
}

// Get は確定済みのセッション状態を返す。
// ResolutionGateの後ろに配置するため、ここでは確定済みであることを前提とする。
// GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.source.Current()
	if err != nil {
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewSessionUnresolvedError())
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// Events はセッション変更をServer-Sent Eventsで配信する。
// 接続直後に現在の状態を1件送り、以降は変更ごとに発生順に送る。
// GET /api/session/events
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	clearWriteDeadline(w)
	rc := http.NewResponseController(w)

	ctx := r.Context()
	events := make(chan model.Session, 16)
	sub := h.source.Subscribe(func(sess model.Session) {
		select {
		case events <- sess:
		case <-ctx.Done():
		}
	})
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Error("event stream not supported", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	var seq int
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case sess := <-events:
			seq++
			if err := writeSessionEvent(ctx, w, seq, sess); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// writeSessionEvent は1件のセッション変更をイベントとして書き込む。
func writeSessionEvent(ctx context.Context, w http.ResponseWriter, seq int, sess model.Session) error {
	data, err := json.Marshal(toSessionResponse(sess))
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode session event", slog.String("error", err.Error()))
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: session\ndata: %s\n\n", seq, data)
	return err
}
