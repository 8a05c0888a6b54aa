package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/firewatch/internal/middleware"
	"github.com/hitoshi/firewatch/internal/model"
)

// userResponse はサインイン中のアカウント情報のAPIレスポンス。
// トークンはクライアントへ返さない。
type userResponse struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Provider    string `json:"provider"`
}

// sessionResponse はセッション状態のAPIレスポンス。
type sessionResponse struct {
	Resolved bool          `json:"resolved"`
	Present  bool          `json:"present"`
	User     *userResponse `json:"user"`
}

// toSessionResponse はmodel.SessionからAPIレスポンスに変換する。
func toSessionResponse(sess model.Session) sessionResponse {
	resp := sessionResponse{Resolved: true, Present: sess.Present()}
	if id := sess.Identity; id != nil {
		resp.User = &userResponse{
			UID:         id.UID,
			Email:       id.Email,
			DisplayName: id.DisplayName,
			Provider:    id.ProviderID,
		}
	}
	return resp
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeInternalError は内部エラーの統一レスポンスを書き込む。
func writeInternalError(w http.ResponseWriter) {
	middleware.WriteInternalServerError(w)
}

// clearWriteDeadline はサーバーのWriteTimeoutを解除する。
// ユーザー操作を待つフェデレーションサインインとイベントストリームで使う。
func clearWriteDeadline(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}
