// Package notify emails classification results to the user.
package notify

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jordan-wright/email"
	"go.uber.org/zap"
)

const (
	Subject        = "Classification Result "
	AttachmentName = "ClassifiedDataset.csv"
	ServerErrorMsg = "IBM Server error, please check status on https://quantum-computing.ibm.com/services?services=systems\n"
)

// Summary is what the email reports about a run.
type Summary struct {
	ServerError   bool
	Accuracy      float64
	SuccessRatio  float64
	TotalTime     string
	ClassifiedCSV string
}

// Sender delivers a composed message.
type Sender interface {
	Send(e *email.Email) error
}

// SMTPSettings is the outgoing mail server and sender identity.
type SMTPSettings struct {
	Addr     string
	Username string
	Password string
	From     string
}

// SMTPSender sends over implicit TLS with PLAIN auth. The settings can be
// swapped at runtime.
type SMTPSender struct {
	mu       sync.RWMutex
	settings SMTPSettings
}

// NewSMTPSender returns a sender using settings.
func NewSMTPSender(settings SMTPSettings) *SMTPSender {
	return &SMTPSender{settings: settings}
}

func (s *SMTPSender) Update(settings SMTPSettings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

func (s *SMTPSender) Settings() SMTPSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *SMTPSender) Send(e *email.Email) error {
	settings := s.Settings()
	addr := settings.Addr
	if !strings.Contains(addr, ":") {
		addr += ":465"
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid smtp address %q: %w", addr, err)
	}
	return e.SendWithTLS(addr,
		smtp.PlainAuth("", settings.Username, settings.Password, host),
		&tls.Config{ServerName: host},
	)
}

// Mailer composes and sends result emails.
type Mailer struct {
	sender Sender
	from   func() string
	logger *zap.Logger
	now    func() time.Time
}

// NewMailer returns a mailer that sends as from().
func NewMailer(sender Sender, from func() string, logger *zap.Logger) *Mailer {
	return &Mailer{
		sender: sender,
		from:   from,
		logger: logger.With(zap.String("component", "mailer")),
		now:    time.Now,
	}
}

// Compose builds the message for summary, addressed to the sender and to.
func (m *Mailer) Compose(to string, summary Summary) (*email.Email, error) {
	from := m.from()
	e := email.NewEmail()
	e.From = from
	e.To = []string{from}
	if to = strings.TrimSpace(to); to != "" && to != from {
		e.To = append(e.To, to)
	}
	e.Subject = Subject
	e.Headers.Set("Date", m.now().Format(time.RFC1123Z))

	if summary.ServerError {
		e.Text = []byte(ServerErrorMsg)
		return e, nil
	}

	var body strings.Builder
	body.WriteString("This is your classification:\n\n")
	fmt.Fprintf(&body, "Testing accuracy: %s\n", percent(summary.Accuracy))
	fmt.Fprintf(&body, "Success ratio: %s\n", percent(summary.SuccessRatio))
	fmt.Fprintf(&body, "Total time elapsed:%ss", summary.TotalTime)
	e.Text = []byte(body.String())

	f, err := os.Open(summary.ClassifiedCSV)
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()
	if _, err := e.Attach(f, AttachmentName, "application/octet-stream"); err != nil {
		return nil, fmt.Errorf("attach %s: %w", summary.ClassifiedCSV, err)
	}
	return e, nil
}

// Notify composes and sends the result email. Every failure is logged and
// reported as false.
func (m *Mailer) Notify(to string, summary Summary) bool {
	logger := m.logger.With(zap.String("to", to), zap.Bool("server_error", summary.ServerError))
	e, err := m.Compose(to, summary)
	if err != nil {
		logger.Error("compose result email failed", zap.Error(err))
		return false
	}
	if err := m.sender.Send(e); err != nil {
		logger.Error("send result email failed", zap.Error(err))
		return false
	}
	logger.Info("result email sent")
	return true
}

func percent(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}
