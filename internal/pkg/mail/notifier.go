package mail

import (
	"fmt"
	"log"
	"strings"

	"gorm.io/gorm"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/internal/pkg/payments"
)

// BillingNotifier sends billing lifecycle mails. Sending is detached
// from the calling flow and failures only log; a broken SMTP relay
// must never break payment processing.
type BillingNotifier struct {
	db *gorm.DB
}

// NewBillingNotifier wires a notifier over the database, which it
// needs to honor per-user notification preferences.
func NewBillingNotifier(db *gorm.DB) *BillingNotifier {
	return &BillingNotifier{db: db}
}

// SubscriptionActivated mails a confirmation for a newly active plan.
func (n *BillingNotifier) SubscriptionActivated(user *models.User, planName string) {
	subject := fmt.Sprintf("Your %s plan is active", planName)
	body := fmt.Sprintf(
		"<p>Hi %s,</p><p>Your <strong>%s</strong> subscription is now active. "+
			"Your daily generation limits have been updated.</p><p>Thanks for subscribing!</p>",
		user.Name, planName,
	)
	n.send(user, subject, body)
}

// PaymentFailed mails a heads-up about a failed charge.
func (n *BillingNotifier) PaymentFailed(user *models.User, amount int64, currency, reason string) {
	subject := "Payment failed"
	if reason == "" {
		reason = "the payment could not be processed"
	}
	body := fmt.Sprintf(
		"<p>Hi %s,</p><p>Your payment of %s %s failed: %s.</p>"+
			"<p>Please check your payment method and try again.</p>",
		user.Name, payments.FormatMinorUnits(amount), strings.ToUpper(currency), reason,
	)
	n.send(user, subject, body)
}

// PlanRestored mails that the previous plan was put back after a
// failed upgrade.
func (n *BillingNotifier) PlanRestored(user *models.User, planName string) {
	subject := fmt.Sprintf("Your %s plan was restored", planName)
	body := fmt.Sprintf(
		"<p>Hi %s,</p><p>The recent plan change could not be completed, so your "+
			"<strong>%s</strong> plan has been restored. You have not been charged for the failed change.</p>",
		user.Name, planName,
	)
	n.send(user, subject, body)
}

func (n *BillingNotifier) send(user *models.User, subject, body string) {
	if user == nil || user.Email == "" {
		return
	}
	if !n.wantsBillingMails(user.ID) {
		log.Printf("[Mail] user %d opted out of billing mails, skipping %q", user.ID, subject)
		return
	}

	to := user.Email
	go func() {
		if err := SendMail(to, subject, body); err != nil {
			log.Printf("[Mail] billing mail %q to user %d failed: %v", subject, user.ID, err)
		}
	}()
}

func (n *BillingNotifier) wantsBillingMails(userID uint) bool {
	if n.db == nil {
		return true
	}
	settings, err := models.GetOrCreateUserSettings(n.db, userID)
	if err != nil {
		log.Printf("[Mail] cannot load settings for user %d: %v", userID, err)
		return true
	}
	return settings.NotifyBillingMails
}
