package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

// MaxMessageLength is Telegram's limit for one text message
const MaxMessageLength = 4096

var (
	fencePattern     = regexp.MustCompile("(?s)```([A-Za-z0-9_+#.-]*)[ \\t]*\\n?(.*?)```")
	paragraphPattern = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	headingPattern   = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	preCodePattern   = regexp.MustCompile(`(?s)<pre><code(?: class="language-([^"]*)")?>(.*?)</code></pre>`)
	tagPattern       = regexp.MustCompile(`</?([a-zA-Z0-9]+)(?:\s[^>]*)?/?>`)
	newlinesPattern  = regexp.MustCompile(`\n{3,}`)
)

// FormatCodeBlocks rewrites every fenced code block into Telegram's own
// fence syntax: the fence on its own line, the language tag kept when one
// was declared and the body trimmed of surrounding blank lines.
func FormatCodeBlocks(text string) string {
	matches := fencePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		before := text[last:m[0]]
		b.WriteString(before)
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}

		lang := text[m[2]:m[3]]
		code := strings.Trim(text[m[4]:m[5]], "\n")
		b.WriteString("```")
		b.WriteString(lang)
		b.WriteString("\n")
		b.WriteString(code)
		b.WriteString("\n```")

		last = m[1]
		if last < len(text) && text[last] != '\n' {
			b.WriteString("\n")
		}
	}
	b.WriteString(text[last:])
	return b.String()
}

// ToTelegramHTML converts markdown to Telegram-compatible HTML
func ToTelegramHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	// no smartypants: Telegram rejects named entities such as &rsquo;
	renderer := blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{Flags: blackfriday.UseXHTML})
	html := string(blackfriday.Run([]byte(markdown),
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
		blackfriday.WithRenderer(renderer),
	))

	return cleanHTMLForTelegram(html)
}

// cleanHTMLForTelegram reduces blackfriday output to the tags Telegram accepts
func cleanHTMLForTelegram(html string) string {
	html = paragraphPattern.ReplaceAllString(html, "$1\n")
	html = headingPattern.ReplaceAllString(html, "<b>$1</b>\n")

	html = strings.ReplaceAll(html, "<strong>", "<b>")
	html = strings.ReplaceAll(html, "</strong>", "</b>")
	html = strings.ReplaceAll(html, "<em>", "<i>")
	html = strings.ReplaceAll(html, "</em>", "</i>")
	html = strings.ReplaceAll(html, "<del>", "<s>")
	html = strings.ReplaceAll(html, "</del>", "</s>")

	// Telegram reads the language from a nested code element
	html = preCodePattern.ReplaceAllStringFunc(html, func(match string) string {
		parts := preCodePattern.FindStringSubmatch(match)
		if parts[1] == "" {
			return "<pre>" + parts[2] + "</pre>"
		}
		return `<pre><code class="language-` + parts[1] + `">` + parts[2] + "</code></pre>"
	})

	html = strings.ReplaceAll(html, "<ul>", "")
	html = strings.ReplaceAll(html, "</ul>", "")
	html = strings.ReplaceAll(html, "<ol>", "")
	html = strings.ReplaceAll(html, "</ol>", "")
	html = strings.ReplaceAll(html, "<li>", "• ")
	html = strings.ReplaceAll(html, "</li>", "\n")
	html = strings.ReplaceAll(html, "<br>", "\n")
	html = strings.ReplaceAll(html, "<br />", "\n")

	supportedTags := map[string]bool{
		"b": true, "i": true, "u": true, "s": true,
		"code": true, "pre": true, "a": true, "blockquote": true,
	}
	html = tagPattern.ReplaceAllStringFunc(html, func(match string) string {
		name := strings.ToLower(tagPattern.FindStringSubmatch(match)[1])
		if supportedTags[name] {
			return match
		}
		return ""
	})

	html = newlinesPattern.ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}

// Length counts text the way Telegram does, in UTF-16 code units
func Length(text string) int {
	n := 0
	for _, r := range text {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// SplitMessage breaks text into chunks of at most maxLength, cutting only
// between lines. Each chunk is trimmed and empty chunks are dropped. A
// single line longer than maxLength is the one case cut inside a line.
func SplitMessage(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = MaxMessageLength
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if Length(text) <= maxLength {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if chunk := strings.TrimSpace(current.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
		currentLen = 0
	}

	for _, line := range strings.Split(text, "\n") {
		lineLen := Length(line)
		if lineLen > maxLength {
			flush()
			for _, piece := range cutLine(line, maxLength) {
				if piece = strings.TrimSpace(piece); piece != "" {
					chunks = append(chunks, piece)
				}
			}
			continue
		}

		sep := 0
		if current.Len() > 0 {
			sep = 1
		}
		if currentLen+sep+lineLen > maxLength {
			flush()
			sep = 0
		}
		if sep == 1 {
			current.WriteString("\n")
		}
		current.WriteString(line)
		currentLen += sep + lineLen
	}
	flush()

	return chunks
}

// SplitCodeBlocks splits like SplitMessage but keeps fenced code blocks
// balanced. A chunk that ends inside a fence is closed there and the next
// chunk reopens the fence with the same language tag. Room for the extra
// fence lines is taken from the chunk budget.
func SplitCodeBlocks(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = MaxMessageLength
	}
	budget := maxLength
	if reserve := fenceReserve(text); reserve > 0 && reserve < maxLength/2 {
		budget = maxLength - reserve
	}

	var out []string
	opener := ""
	for _, chunk := range SplitMessage(text, budget) {
		if opener != "" {
			first, rest, _ := strings.Cut(chunk, "\n")
			if strings.TrimSpace(first) == "```" {
				// the block closed right at the boundary
				chunk = strings.TrimSpace(rest)
				opener = ""
			} else {
				chunk = opener + "\n" + chunk
			}
		}
		if chunk == "" {
			continue
		}

		opener = openFence(chunk)
		if opener != "" {
			if i := strings.LastIndex(chunk, "\n"); strings.TrimSpace(chunk[i+1:]) == opener {
				// the fence opens on the last line; leave it to the next chunk
				chunk = strings.TrimSpace(chunk[:max(i, 0)])
			} else {
				chunk += "\n```"
			}
		}
		if chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

// openFence returns the opening line of a fence left open at the end of chunk
func openFence(chunk string) string {
	opener := ""
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "```") {
			continue
		}
		if opener == "" {
			opener = line
		} else {
			opener = ""
		}
	}
	return opener
}

// fenceReserve is the room a reopened and closed fence can take in one chunk
func fenceReserve(text string) int {
	longest := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "```") && Length(line) > longest {
			longest = Length(line)
		}
	}
	if longest == 0 {
		return 0
	}
	return longest + len("\n") + len("\n```")
}

func cutLine(line string, maxLength int) []string {
	var pieces []string
	var piece []rune
	pieceLen := 0
	for _, r := range line {
		w := Length(string(r))
		if pieceLen+w > maxLength {
			pieces = append(pieces, string(piece))
			piece = piece[:0]
			pieceLen = 0
		}
		piece = append(piece, r)
		pieceLen += w
	}
	if len(piece) > 0 {
		pieces = append(pieces, string(piece))
	}
	return pieces
}
