package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// SendmailSender hands messages to a local mail-submission command
// (typically /usr/sbin/sendmail). The message is fed on the command's
// standard input; a zero exit status counts as accepted.
type SendmailSender struct {
	path string
}

// NewSendmailSender creates a sender using the command at path.
func NewSendmailSender(path string) *SendmailSender {
	return &SendmailSender{path: path}
}

// SendMail implements MailSender.
func (s *SendmailSender) SendMail(ctx context.Context, to string, subject string, body string) error {
	var msg strings.Builder
	msg.WriteString("To: " + to + "\n")
	msg.WriteString("Subject: " + subject + "\n")
	msg.WriteString("MIME-Version: 1.0\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\n")
	msg.WriteString("\n")
	msg.WriteString(body)

	cmd := exec.CommandContext(ctx, s.path, "-t")
	cmd.Stdin = strings.NewReader(msg.String())
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("sendmail %s: %w (%s)", s.path, err, strings.TrimSpace(string(out)))
	}
	return nil
}
