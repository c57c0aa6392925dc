package memory

import "strings"

// nothingNew is the reply a summarizer gives when there is nothing worth keeping.
const nothingNew = "NO_NEW_FACTS"

const consolidateSystem = `You maintain a long-term memory file for a chat assistant.
Extract durable facts about the user, their projects, preferences, and decisions.
Write short plain-text bullet points. Skip small talk and anything already in memory.
If there is nothing new worth remembering, reply with exactly ` + nothingNew + `.`

func consolidatePrompt(existing, transcript string) string {
	var b strings.Builder
	if strings.TrimSpace(existing) != "" {
		b.WriteString("Current memory:\n")
		b.WriteString(strings.TrimSpace(existing))
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	b.WriteString(transcript)
	b.WriteString("\n\nWrite the new facts to remember.")
	return b.String()
}

const removalSystem = `You edit a long-term memory file.
Remove every passage about the requested topic and keep everything else exactly as written,
including the "=== MEMORY" block headers and "=== END MEMORY ===" lines of blocks you keep.
Reply with the complete edited file and nothing else: no commentary, no code fences.`

func removalPrompt(memory, topic string) string {
	return "Topic to forget: " + topic + "\n\nMemory file:\n" + memory
}
