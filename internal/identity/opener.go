package identity

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// Opener はフェデレーションサインイン画面（ブラウザのウィンドウ）を開く。
// 画面を開けなかった場合はエラーを返す。
type Opener interface {
	Open(ctx context.Context, url string) error
}

// OpenerFunc は関数をOpenerとして扱うアダプタ。
type OpenerFunc func(ctx context.Context, url string) error

// Open はOpenerを実装する。
func (f OpenerFunc) Open(ctx context.Context, url string) error {
	return f(ctx, url)
}

// CommandOpener は外部コマンドでシステムのブラウザを起動する。
type CommandOpener struct {
	// Command は起動するコマンド。空の場合はOSごとの既定コマンドを使う。
	Command string
	Args    []string
}

// Open はブラウザを起動する。起動の完了は待つが、画面の操作完了は待たない。
func (o CommandOpener) Open(ctx context.Context, url string) error {
	name, args := o.command()
	if name == "" {
		return fmt.Errorf("no browser command available on %s", runtime.GOOS)
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	// 子プロセスは待たずに回収だけ行う
	go func() { _ = cmd.Wait() }()
	return nil
}

func (o CommandOpener) command() (string, []string) {
	if o.Command != "" {
		return o.Command, append([]string(nil), o.Args...)
	}
	switch runtime.GOOS {
	case "darwin":
		return "open", nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler"}
	case "linux", "freebsd", "openbsd", "netbsd":
		return "xdg-open", nil
	default:
		return "", nil
	}
}
