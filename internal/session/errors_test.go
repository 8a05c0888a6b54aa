package session

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/firewatch/internal/identity"
	"github.com/hitoshi/firewatch/internal/model"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		table classification
		err   error
		want  Kind
	}{
		{"signup duplicate", signUpErrors, providerErr(identity.CodeEmailAlreadyInUse), AccountCreationFailed},
		{"signup weak password", signUpErrors, providerErr(identity.CodeWeakPassword), AccountCreationFailed},
		{"signup malformed email", signUpErrors, providerErr(identity.CodeInvalidEmail), AccountCreationFailed},
		{"signup network", signUpErrors, providerErr(identity.CodeNetworkRequestFailed), NetworkError},
		{"signup unknown", signUpErrors, errors.New("boom"), AccountCreationFailed},
		{"login wrong password", logInErrors, providerErr(identity.CodeWrongPassword), InvalidCredentials},
		{"login unknown account", logInErrors, providerErr(identity.CodeUserNotFound), InvalidCredentials},
		{"login invalid credential", logInErrors, providerErr(identity.CodeInvalidCredential), InvalidCredentials},
		{"login network", logInErrors, providerErr(identity.CodeNetworkRequestFailed), NetworkError},
		{"login throttled", logInErrors, providerErr(identity.CodeTooManyRequests), ProviderError},
		{"federated closed", federatedErrors, providerErr(identity.CodePopupClosedByUser), UserCancelled},
		{"federated blocked", federatedErrors, providerErr(identity.CodePopupBlocked), PopupBlocked},
		{"federated conflict", federatedErrors, providerErr(identity.CodeAccountExistsDifferent), AccountConflict},
		{"federated network", federatedErrors, providerErr(identity.CodeNetworkRequestFailed), NetworkError},
		{"federated other", federatedErrors, providerErr(identity.CodeInternalError), ProviderError},
		{"logout network", logOutErrors, providerErr(identity.CodeNetworkRequestFailed), NetworkError},
		{"logout other", logOutErrors, providerErr(identity.CodeInternalError), ProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.table.classify(tt.err)
			if got.Kind != tt.want {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.want)
			}
			if got.Message == "" {
				t.Error("Message should not be empty")
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error should wrap the provider error")
			}
		})
	}
}

func TestClassification_IgnoresMessageText(t *testing.T) {
	// メッセージにキャンセルを示す文言があってもコードがなければ中断扱いにしない
	err := &identity.ProviderError{Code: identity.CodeInternalError, Message: "popup-closed-by-user"}
	if got := federatedErrors.classify(err).Kind; got != ProviderError {
		t.Errorf("Kind = %q, want %q", got, ProviderError)
	}
}

func TestClassification_ProviderErrorPassesMessageThrough(t *testing.T) {
	err := &identity.ProviderError{Code: identity.CodeOperationNotAllowed, Message: "sign-in method is disabled"}
	got := federatedErrors.classify(err)
	if got.Message != "sign-in method is disabled" {
		t.Errorf("Message = %q", got.Message)
	}
	if got.ProviderCode != identity.CodeOperationNotAllowed {
		t.Errorf("ProviderCode = %q", got.ProviderCode)
	}
}

func TestVisible(t *testing.T) {
	if Visible(nil) {
		t.Error("nil error should not be visible")
	}
	if Visible(&AuthError{Kind: UserCancelled}) {
		t.Error("UserCancelled should not be visible")
	}
	for _, k := range []Kind{InvalidCredentials, AccountCreationFailed, PopupBlocked, AccountConflict, NetworkError, ProviderError} {
		if !Visible(&AuthError{Kind: k}) {
			t.Errorf("%s should be visible", k)
		}
	}
}

func TestManager_OperationsAlwaysReturnAuthError(t *testing.T) {
	p := newMockProvider()
	p.createFn = func(ctx context.Context, email, password string) (*model.Identity, error) {
		return nil, errors.New("unexpected")
	}
	p.verifyFn = func(ctx context.Context, email, password string) (*model.Identity, error) {
		return nil, errors.New("unexpected")
	}
	p.federatedFn = func(ctx context.Context) (*model.Identity, error) {
		return nil, errors.New("unexpected")
	}
	p.signOutFn = func(ctx context.Context) error {
		return errors.New("unexpected")
	}
	m := newResolvedManager(t, p, nil)
	ctx := context.Background()

	_, errSignUp := m.SignUp(ctx, "a@x.com", "pw")
	_, errLogIn := m.LogIn(ctx, "a@x.com", "pw")
	_, errFed := m.LogInWithFederatedProvider(ctx)
	errLogOut := m.LogOut(ctx)

	for name, err := range map[string]error{"signup": errSignUp, "login": errLogIn, "federated": errFed, "logout": errLogOut} {
		var ae *AuthError
		if !errors.As(err, &ae) {
			t.Errorf("%s: expected *AuthError, got %T", name, err)
		}
	}
}
