package conversation

import "strings"

// Phrase sets driving phase transitions. Matching is case-insensitive
// substring search over transcribed fragments: phone calls expose no
// structural signal for what the far end's system is doing, so the live
// transcript is the only low-latency input available.

var voicemailPhrases = []string{
	"leave a message",
	"after the beep",
	"at the tone",
	"not available",
	"leave your name",
	"record your message",
	"voicemail",
}

var ivrPhrases = []string{
	"press 1",
	"press 2",
	"press 3",
	"press 4",
	"press 5",
	"press 6",
	"press 7",
	"press 8",
	"press 9",
	"press 0",
	"press star",
	"press pound",
	"main menu",
	"for english",
	"para español",
	"our menu options",
	"menu has changed",
}

var holdPhrases = []string{
	"please hold",
	"one moment",
	"just a moment",
	"hold on",
	"hold the line",
	"bear with me",
	"put you on hold",
}

var farewellPhrases = []string{
	"goodbye",
	"good bye",
	"bye",
	"talk to you later",
	"have a great day",
	"have a good day",
	"thank you for calling",
	"thanks for calling",
	"take care",
}

func matchesAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
