package render

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"roomchat/internal/models"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var sharedPage = template.Must(template.New("shared").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:760px;margin:2rem auto;padding:0 1rem;color:#222}
.msg{border-radius:8px;padding:.75rem 1rem;margin:.75rem 0}
.user{background:#e8f0fe}
.assistant{background:#f3f3f3}
.role{font-size:.75rem;text-transform:uppercase;color:#666}
pre{overflow-x:auto}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Messages}}<div class="msg {{.Role}}">
<div class="role">{{.Role}}</div>
{{.Body}}
{{range .Images}}<img src="{{.}}" alt="attachment" style="max-width:100%">{{end}}
</div>
{{else}}<p>This conversation is empty.</p>
{{end}}
</body>
</html>
`))

type pageMessage struct {
	Role   models.Role
	Body   template.HTML
	Images []template.URL
}

type pageData struct {
	Title    string
	Messages []pageMessage
}

// Markdown converts message text to HTML. Raw HTML in the source is not
// passed through.
func Markdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// SharedChat writes the read-only page for a shared conversation.
func SharedChat(w io.Writer, chat *models.Chat) error {
	data := pageData{Title: chat.Title, Messages: make([]pageMessage, 0, len(chat.Messages))}
	for _, m := range chat.Messages {
		body, err := Markdown(m.Text)
		if err != nil {
			return err
		}
		pm := pageMessage{Role: m.Role, Body: body}
		for _, att := range m.Attachments {
			if u, ok := imageURL(att); ok {
				pm.Images = append(pm.Images, u)
			}
		}
		data.Messages = append(data.Messages, pm)
	}
	if err := sharedPage.Execute(w, data); err != nil {
		return fmt.Errorf("render shared chat: %w", err)
	}
	return nil
}

// SecurityHeaders sets the headers served with rendered pages.
func SecurityHeaders(h http.Header) {
	h.Set("Content-Security-Policy", "default-src 'self'; img-src 'self' data: https:; style-src 'unsafe-inline'")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
}

// imageURL returns the attachment URL if it is an image served over http(s),
// from this site, or inlined as a data:image URL.
func imageURL(att models.Attachment) (template.URL, bool) {
	if !strings.HasPrefix(att.Type, "image/") {
		return "", false
	}
	u := strings.TrimSpace(att.URL)
	lower := strings.ToLower(u)
	switch {
	case strings.HasPrefix(lower, "data:image/"),
		strings.HasPrefix(lower, "https://"),
		strings.HasPrefix(lower, "http://"),
		strings.HasPrefix(u, "/") && !strings.HasPrefix(u, "//"):
		return template.URL(u), true
	}
	return "", false
}
