package dispatch

import (
	"fmt"
	"html"

	"github.com/veilbox/veilbox/internal/models"
)

const htmlShell = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background-color: #f4f4f7; margin: 0; padding: 0; }
    .container { max-width: 600px; margin: 40px auto; background-color: #ffffff; border-radius: 8px; overflow: hidden; box-shadow: 0 2px 8px rgba(0,0,0,0.08); }
    .header { background-color: #1a1a2e; color: #ffffff; padding: 24px 32px; }
    .header h1 { margin: 0; font-size: 20px; font-weight: 600; }
    .body { padding: 32px; color: #333333; line-height: 1.6; }
    .message-box { background-color: #f8f9fa; border-left: 4px solid #1a1a2e; padding: 16px 20px; border-radius: 0 4px 4px 0; white-space: pre-wrap; word-wrap: break-word; font-size: 14px; color: #333333; }
    .button { display: inline-block; margin-top: 20px; padding: 10px 24px; background-color: #1a1a2e; color: #ffffff; text-decoration: none; border-radius: 4px; font-size: 14px; }
    .footer { padding: 20px 32px; text-align: center; font-size: 12px; color: #999999; border-top: 1px solid #eeeeee; }
  </style>
</head>
<body>
  <div class="container">
    <div class="header"><h1>%s</h1></div>
    <div class="body">%s</div>
    <div class="footer">Sent by Veilbox. The sender's identity is not known to us unless they chose to share it.</div>
  </div>
</body>
</html>`

// FeedbackDeliveryBody returns the HTML body delivered to a recipient: the
// improved text and the access link for responding or reporting. The
// original raw text never appears here.
func FeedbackDeliveryBody(improvedText, accessURL string) string {
	inner := fmt.Sprintf(
		`<p>Someone sent you anonymous feedback:</p>
      <div class="message-box">%s</div>
      <a class="button" href="%s">Reply or report</a>`,
		html.EscapeString(improvedText), accessURL,
	)
	return fmt.Sprintf(htmlShell, "You received anonymous feedback", inner)
}

// SenderConfirmationBody confirms delivery to a sender who volunteered an
// address.
func SenderConfirmationBody(accessURL string) string {
	inner := fmt.Sprintf(
		`<p>Your feedback has been delivered.</p>
      <p>You can check for a reply at any time:</p>
      <a class="button" href="%s">View status</a>`,
		accessURL,
	)
	return fmt.Sprintf(htmlShell, "Your feedback was delivered", inner)
}

// ReplyForwardBody carries the recipient's one-time reply back to the
// sender.
func ReplyForwardBody(replyText string) string {
	inner := fmt.Sprintf(
		`<p>The recipient of your feedback replied:</p>
      <div class="message-box">%s</div>`,
		html.EscapeString(replyText),
	)
	return fmt.Sprintf(htmlShell, "You received a reply", inner)
}

// ReportConfirmationBody acknowledges an abuse report and states the block
// scope that was applied.
func ReportConfirmationBody(level models.BlockLevel) string {
	var scope string
	switch level {
	case models.BlockGlobal:
		scope = "You will no longer receive any anonymous feedback."
	default:
		scope = "You will no longer receive feedback from this sender."
	}
	inner := fmt.Sprintf(
		`<p>Your report has been recorded. %s</p>
      <p>Already-delivered messages are not affected.</p>`,
		scope,
	)
	return fmt.Sprintf(htmlShell, "Report received", inner)
}
