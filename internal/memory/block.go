package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Block kinds.
const (
	KindConsolidation = "consolidation"
	KindNote          = "note"
)

const (
	blockOpen  = "=== MEMORY "
	blockClose = "=== END MEMORY ==="
	headerSep  = "---"
)

// Block is one delimited entry of the memory file.
type Block struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Text   string    `json:"text"`

	StartLine int `json:"start_line,omitempty"`
	EndLine   int `json:"end_line,omitempty"`
}

// NewBlock returns a block stamped with a fresh id and the current time.
func NewBlock(kind, source, text string) Block {
	if source == "" {
		source = "unknown"
	}
	return Block{
		ID:     ulid.Make().String(),
		Source: source,
		At:     time.Now().UTC(),
		Kind:   kind,
		Text:   strings.TrimSpace(text),
	}
}

// Render returns the block in file form, newline-terminated.
func (b Block) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s%s ===\n", blockOpen, b.ID)
	fmt.Fprintf(&sb, "source: %s\n", oneLine(b.Source))
	fmt.Fprintf(&sb, "at: %s\n", b.At.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "kind: %s\n", b.Kind)
	sb.WriteString(headerSep + "\n")
	sb.WriteString(b.Text)
	sb.WriteString("\n" + blockClose + "\n")
	return sb.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Parse splits memory text into blocks. Text outside any block, such as hand
// written notes, is returned as blocks with an empty ID so nothing is lost.
func Parse(text string) []Block {
	lines := strings.Split(text, "\n")
	var blocks []Block
	var loose []string
	looseStart := 1

	flushLoose := func(end int) {
		t := strings.TrimSpace(strings.Join(loose, "\n"))
		if t != "" {
			blocks = append(blocks, Block{Text: t, StartLine: looseStart, EndLine: end})
		}
		loose = nil
	}

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, blockOpen) || !strings.HasSuffix(line, "===") || line == blockClose {
			if len(loose) == 0 {
				looseStart = i + 1
			}
			loose = append(loose, lines[i])
			continue
		}
		end := -1
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == blockClose {
				end = j
				break
			}
		}
		if end < 0 {
			// Unterminated header: keep the rest as loose text.
			if len(loose) == 0 {
				looseStart = i + 1
			}
			loose = append(loose, lines[i:]...)
			break
		}
		flushLoose(i)
		b := parseBlock(line, lines[i+1:end])
		b.StartLine, b.EndLine = i+1, end+1
		blocks = append(blocks, b)
		i = end
	}
	flushLoose(len(lines))
	return blocks
}

func parseBlock(header string, body []string) Block {
	id := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(header, blockOpen), "==="))
	b := Block{ID: id}
	textStart := 0
	for k, line := range body {
		if strings.TrimSpace(line) == headerSep {
			textStart = k + 1
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			// No header section.
			textStart = 0
			break
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "source":
			b.Source = value
		case "at":
			b.At, _ = time.Parse(time.RFC3339, value)
		case "kind":
			b.Kind = value
		}
	}
	b.Text = strings.TrimSpace(strings.Join(body[textStart:], "\n"))
	return b
}
