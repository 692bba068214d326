package digestsvc

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daybook-hq/daybook/internal/domain/digest"
)

// SMTPConfig configures the default mail transport.
type SMTPConfig struct {
	Addr       string        `mapstructure:"addr"`
	From       string        `mapstructure:"from"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	UseTLS     bool          `mapstructure:"use_tls"`
	Timeout    time.Duration `mapstructure:"timeout"`
	SubjPrefix string        `mapstructure:"subj_prefix"`
}

// Mailer is the default BatchSender: one SMTP transaction per message
// within a chunk, so one bad recipient maps to one rejected result and
// never fails the whole chunk.
type Mailer struct {
	addr       string
	auth       smtp.Auth
	useTLS     bool
	timeout    time.Duration
	from       string
	subjPrefix string

	log *zap.Logger
}

var _ digest.BatchSender = (*Mailer)(nil)

func NewMailer(cfg SMTPConfig, log *zap.Logger) *Mailer {
	var auth smtp.Auth
	if cfg.User != "" || cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Password, host(cfg.Addr))
	}
	return &Mailer{
		addr:       cfg.Addr,
		auth:       auth,
		useTLS:     cfg.UseTLS,
		timeout:    cfg.Timeout,
		from:       cfg.From,
		subjPrefix: cfg.SubjPrefix,
		log:        log.With(zap.String("component", "digest.mailer")),
	}
}

func (m *Mailer) SendBatch(ctx context.Context, msgs []*digest.RenderedMessage) ([]digest.SendResult, error) {
	results := make([]digest.SendResult, len(msgs))
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), host(m.addr))
		if err := m.sendOne(msg, msgID); err != nil {
			m.log.Warn("message rejected",
				zap.String("to", msg.To), zap.Error(err))
			results[i] = digest.SendResult{Accepted: false, Reason: err.Error()}
			continue
		}
		results[i] = digest.SendResult{Accepted: true, ProviderMessageID: msgID}
	}
	return results, nil
}

func (m *Mailer) sendOne(msg *digest.RenderedMessage, msgID string) error {
	body, err := m.encode(msg, msgID)
	if err != nil {
		return err
	}

	start := time.Now()
	log := m.log.With(
		zap.String("smtp_addr", m.addr),
		zap.Bool("tls", m.useTLS),
		zap.String("to", msg.To),
	)

	if m.useTLS {
		dialer := net.Dialer{Timeout: m.timeout}
		conn, err := tls.DialWithDialer(&dialer, "tcp", m.addr, &tls.Config{ServerName: host(m.addr)})
		if err != nil {
			return fmt.Errorf("tls dial: %w", err)
		}
		c, err := smtp.NewClient(conn, host(m.addr))
		if err != nil {
			return fmt.Errorf("smtp client: %w", err)
		}
		defer func() { _ = c.Close() }()

		if m.auth != nil {
			if ok, _ := c.Extension("AUTH"); ok {
				if err := c.Auth(m.auth); err != nil {
					return fmt.Errorf("smtp auth: %w", err)
				}
			}
		}
		if err := c.Mail(m.from); err != nil {
			return fmt.Errorf("smtp MAIL FROM: %w", err)
		}
		if err := c.Rcpt(msg.To); err != nil {
			return fmt.Errorf("smtp RCPT TO: %w", err)
		}
		w, err := c.Data()
		if err != nil {
			return fmt.Errorf("smtp DATA: %w", err)
		}
		if _, err = w.Write(body); err != nil {
			return fmt.Errorf("smtp write: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("smtp close: %w", err)
		}
		log.Debug("message sent (TLS)", zap.Duration("elapsed", time.Since(start)))
		return nil
	}

	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{msg.To}, body); err != nil {
		return err
	}
	log.Debug("message sent (PLAIN)", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// encode builds a multipart/alternative MIME message with text and HTML
// parts plus the audit headers attached by the delivery engine.
func (m *Mailer) encode(msg *digest.RenderedMessage, msgID string) ([]byte, error) {
	var sb strings.Builder

	subj := strings.TrimSpace(m.subjPrefix + " " + msg.Subject)
	sb.WriteString("From: " + m.from + "\r\n")
	sb.WriteString("To: " + msg.To + "\r\n")
	sb.WriteString("Subject: " + subj + "\r\n")
	sb.WriteString("Message-ID: " + msgID + "\r\n")
	for k, v := range msg.Headers {
		sb.WriteString(k + ": " + v + "\r\n")
	}
	sb.WriteString("MIME-Version: 1.0\r\n")

	var parts strings.Builder
	mw := multipart.NewWriter(&parts)

	tw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(msg.Text)); err != nil {
		return nil, err
	}
	hw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=utf-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := hw.Write([]byte(msg.HTML)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	sb.WriteString(`Content-Type: multipart/alternative; boundary="` + mw.Boundary() + `"` + "\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(parts.String())
	return []byte(sb.String()), nil
}

func host(addr string) string {
	if i := strings.Index(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}
