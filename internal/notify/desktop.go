package notify

import (
	"os/exec"
	"runtime"
)

// Desktop shows a native desktop notification
type Desktop struct{}

// Send shows the notification on supported platforms; elsewhere it is a no-op
func (d *Desktop) Send(n Notification) error {
	switch runtime.GOOS {
	case "darwin":
		script := `display notification "` + n.Message + `" with title "` + n.Title + `"`
		return exec.Command("osascript", "-e", script).Run()
	case "linux":
		return exec.Command("notify-send", "-i", iconFor(n.Kind), n.Title, n.Message).Run()
	default:
		return nil
	}
}

func iconFor(k Kind) string {
	switch k {
	case KindSuccess:
		return "dialog-positive"
	case KindWarning:
		return "dialog-warning"
	case KindError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
