package session

import (
	"time"

	"github.com/ashureev/pamlink/internal/recovery"
	"github.com/ashureev/pamlink/internal/wakeword"
)

// NoticeKind identifies a user-facing notice.
type NoticeKind string

const (
	NoticeRelogin        NoticeKind = "relogin"
	NoticeBanner         NoticeKind = "banner"
	NoticeReload         NoticeKind = "reload"
	NoticeDeliveryFailed NoticeKind = "delivery_failed"
	NoticeWake           NoticeKind = "wake"
)

// Notice is something the embedding application should show or act on.
type Notice struct {
	Kind      NoticeKind          `json:"kind"`
	Message   string              `json:"message"`
	MessageID string              `json:"message_id,omitempty"`
	Decision  *recovery.Decision  `json:"-"`
	Detection *wakeword.Detection `json:"-"`
	Err       error               `json:"-"`
	At        time.Time           `json:"at"`
}

func noticeForDecision(d recovery.Decision) Notice {
	n := Notice{Decision: &d, At: time.Now()}
	switch {
	case d.Action == recovery.ActionRelogin, d.Terminal && d.Failure.Kind.IsIdentity():
		n.Kind = NoticeRelogin
		n.Message = "Your session has ended. Please sign in again."
	case d.Action == recovery.ActionReload:
		n.Kind = NoticeReload
		n.Message = "PAM needs to be reloaded."
	default:
		n.Kind = NoticeBanner
		n.Message = d.Banner
		if n.Message == "" {
			n.Message = d.Failure.Message
		}
		if n.Message == "" {
			n.Message = "PAM is unavailable."
		}
	}
	return n
}
