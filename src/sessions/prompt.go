package sessions

import (
	"fmt"
	"strings"

	"github.com/square-key-labs/callbridge-ai/src/callstate"
)

// BuildSystemPrompt renders the role prompt for one call. Outbound calls get
// a caller persona driven by the task description, inbound calls an
// answering persona; both carry behavior rules for voicemail, menus and
// hold, since the model cannot see what the far end's system is doing.
func BuildSystemPrompt(sess callstate.Session) string {
	business := sess.BusinessName
	if business == "" {
		business = "a private client"
	}

	var prompt string
	if sess.Direction == callstate.DirectionInbound {
		prompt = fmt.Sprintf(`You are an AI assistant answering a phone call for %s.

YOUR ROLE ON THIS CALL:
- Answer professionally and warmly
- Find out what the caller needs and help where you can
- Take a message with the caller's name and callback details when you cannot help directly
- Never invent facts about %s; say you will have someone follow up instead

KEY BEHAVIORS:
- Be natural and conversational - this is a real phone call
- Keep responses short and clear
- When the conversation is finished, thank the caller and say goodbye`, business, business)
	} else {
		task := sess.TaskDescription
		if task == "" {
			task = "Have a brief, polite conversation and collect any relevant information."
		}
		prompt = fmt.Sprintf(`You are an AI assistant making a phone call on behalf of %s.

YOUR TASK:
%s

HOW TO HANDLE THE CALL:
- Greet whoever answers, say who you are and why you are calling
- Keep responses short and natural - this is a real phone conversation
- If you reach a voicemail system, leave one concise message covering the task, then say goodbye
- If you reach an automated menu, wait quietly; never read menu options back
- If you are put on hold, wait patiently until a person returns
- Once the task is done, thank them and say goodbye`, business, task)
	}

	if extra := strings.TrimSpace(sess.Instructions); extra != "" {
		prompt += "\n\nADDITIONAL INSTRUCTIONS:\n" + extra
	}
	return prompt
}
