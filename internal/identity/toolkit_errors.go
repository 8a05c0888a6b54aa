package identity

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// toolkitErrorBody はIdentity Toolkit / Secure Token APIのエラーレスポンス。
type toolkitErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// toolkitCodes はREST APIのエラーメッセージ識別子からプロバイダーエラーコードへの対応表。
// "WEAK_PASSWORD : Password should be at least 6 characters" のように
// 詳細が付く場合があるため、" : " より前の識別子で照合する。
var toolkitCodes = map[string]string{
	"EMAIL_EXISTS":                     CodeEmailAlreadyInUse,
	"WEAK_PASSWORD":                    CodeWeakPassword,
	"INVALID_EMAIL":                    CodeInvalidEmail,
	"MISSING_PASSWORD":                 CodeWeakPassword,
	"EMAIL_NOT_FOUND":                  CodeUserNotFound,
	"USER_NOT_FOUND":                   CodeUserNotFound,
	"INVALID_PASSWORD":                 CodeWrongPassword,
	"INVALID_LOGIN_CREDENTIALS":        CodeInvalidCredential,
	"INVALID_IDP_RESPONSE":             CodeInvalidCredential,
	"USER_DISABLED":                    CodeUserDisabled,
	"TOO_MANY_ATTEMPTS_TRY_LATER":      CodeTooManyRequests,
	"FEDERATED_USER_ID_ALREADY_LINKED": CodeAccountExistsDifferent,
	"EMAIL_CHANGE_NEEDS_VERIFICATION":  CodeAccountExistsDifferent,
	"OPERATION_NOT_ALLOWED":            CodeOperationNotAllowed,
	"PASSWORD_LOGIN_DISABLED":          CodeOperationNotAllowed,
	"TOKEN_EXPIRED":                    CodeUserTokenExpired,
	"INVALID_REFRESH_TOKEN":            CodeUserTokenExpired,
	"INVALID_GRANT_TYPE":               CodeInternalError,
	"MISSING_REFRESH_TOKEN":            CodeInternalError,
}

// parseToolkitError はエラーレスポンスをProviderErrorに変換する。
// 5xxおよび解釈できない応答は通信障害または内部エラーとして扱う。
func parseToolkitError(status int, body []byte) *ProviderError {
	if status >= http.StatusInternalServerError {
		return &ProviderError{
			Code:    CodeNetworkRequestFailed,
			Message: fmt.Sprintf("identity service returned status %d", status),
		}
	}

	var eb toolkitErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error.Message == "" {
		return &ProviderError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("unexpected response with status %d", status),
		}
	}

	ident, detail, _ := strings.Cut(eb.Error.Message, " : ")
	ident = strings.TrimSpace(ident)

	code, ok := toolkitCodes[ident]
	if !ok {
		code = CodeInternalError
	}

	msg := strings.TrimSpace(detail)
	if msg == "" {
		msg = ident
	}
	return &ProviderError{Code: code, Message: msg}
}
