package domain

import (
	"fmt"
	"time"
)

type NotificationType string

const (
	WithdrawRequest  NotificationType = "WITHDRAW_REQUEST"
	RenewRequest     NotificationType = "RENEW_REQUEST"
	WithdrawAction   NotificationType = "WITHDRAW_ACTION"
	RenewAction      NotificationType = "RENEW_ACTION"
	WithdrawRejected NotificationType = "WITHDRAW_REJECTED"
	RenewRejected    NotificationType = "RENEW_REJECTED"
)

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "PENDING"
	NotificationCompleted NotificationStatus = "COMPLETED"
)

type ActionKind string

const (
	ActionWithdraw ActionKind = "WITHDRAW"
	ActionRenew    ActionKind = "RENEW"
)

// MessageContext carries the display facts a workflow message needs. For
// outcome messages ExpiryAt is the expiry relevant to the decision: the
// pre-withdraw expiry for a withdraw, the refreshed expiry for a renewal,
// the current expiry for rejections.
type MessageContext struct {
	PrincipalName string
	PurposeName   string
	EntityName    string
	ExpiryAt      time.Time
}

func (c MessageContext) purpose() string {
	if c.PurposeName == "" {
		return "your data"
	}
	return c.PurposeName
}

func (c MessageContext) entity() string {
	if c.EntityName == "" {
		return "Data Fiduciary"
	}
	return c.EntityName
}

func (c MessageContext) principal() string {
	if c.PrincipalName == "" {
		return "A Data Principal"
	}
	return c.PrincipalName
}

func (c MessageContext) expiry() string {
	if c.ExpiryAt.IsZero() {
		return ""
	}
	return c.ExpiryAt.Format("Jan 2, 2006 15:04 MST")
}

// ActionSpec is one row of the workflow table: the notification types and
// message templates for a request kind. Request, approve and reject all
// dispatch through this table instead of per-type handler copies.
type ActionSpec struct {
	Kind         ActionKind
	RequestType  NotificationType
	ActionType   NotificationType
	RejectedType NotificationType

	RequestMessage  func(MessageContext) string
	ActionMessage   func(MessageContext) string
	RejectedMessage func(MessageContext) string
}

var Actions = map[ActionKind]ActionSpec{
	ActionWithdraw: {
		Kind:         ActionWithdraw,
		RequestType:  WithdrawRequest,
		ActionType:   WithdrawAction,
		RejectedType: WithdrawRejected,
		RequestMessage: func(c MessageContext) string {
			return fmt.Sprintf("%s has requested to withdraw their consent for %q with %s.",
				c.principal(), c.purpose(), c.entity())
		},
		ActionMessage: func(c MessageContext) string {
			msg := fmt.Sprintf("Your consent for %q with %s", c.purpose(), c.entity())
			if e := c.expiry(); e != "" {
				msg += fmt.Sprintf(", which was originally set to expire on %s,", e)
			}
			return msg + " has been withdrawn early by the Data Fiduciary. This stops further processing based on this consent until you provide it again."
		},
		RejectedMessage: func(c MessageContext) string {
			msg := fmt.Sprintf("Your withdraw request for %q with %s", c.purpose(), c.entity())
			if e := c.expiry(); e != "" {
				msg += fmt.Sprintf(" (current expiry: %s)", e)
			}
			return msg + " has been rejected by the Data Fiduciary. Withdrawing consent early can improve your privacy but may limit services that rely on this consent. Your existing consent will remain active until it expires or is changed."
		},
	},
	ActionRenew: {
		Kind:         ActionRenew,
		RequestType:  RenewRequest,
		ActionType:   RenewAction,
		RejectedType: RenewRejected,
		RequestMessage: func(c MessageContext) string {
			return fmt.Sprintf("%s has requested to renew their consent for %q with %s.",
				c.principal(), c.purpose(), c.entity())
		},
		ActionMessage: func(c MessageContext) string {
			msg := fmt.Sprintf("Your consent for %q with %s has been renewed.", c.purpose(), c.entity())
			if e := c.expiry(); e != "" {
				msg += fmt.Sprintf(" The new expiry date is %s.", e)
			}
			return msg
		},
		RejectedMessage: func(c MessageContext) string {
			msg := fmt.Sprintf("Your renew request for %q with %s has been rejected by the Data Fiduciary.", c.purpose(), c.entity())
			if e := c.expiry(); e != "" {
				msg += fmt.Sprintf(" The consent will currently expire on %s unless updated.", e)
			}
			return msg
		},
	},
}

// KindForRequest resolves the action kind a pending request notification
// belongs to; false for the outcome/rejection types, which are never
// approvable.
func KindForRequest(t NotificationType) (ActionKind, bool) {
	for kind, spec := range Actions {
		if spec.RequestType == t {
			return kind, true
		}
	}
	return "", false
}
