package reminders

import (
	"fmt"
	"strings"

	"github.com/wolfman30/docfollow/internal/assistant"
)

// ReminderMessage is the first agent message of a follow-up. The wording
// depends on what the patient is being followed for.
func ReminderMessage(patientName, doctorName, diagnosis string) string {
	name := strings.TrimSpace(patientName)
	if name == "" {
		name = "there"
	}
	doctor := "your doctor"
	if d := strings.TrimSpace(doctorName); d != "" {
		doctor = "Dr. " + strings.TrimPrefix(d, "Dr. ")
	}

	switch assistant.ConditionFor(diagnosis) {
	case assistant.ConditionBloodSugar:
		return fmt.Sprintf(
			"Hi %s, this is %s's office checking in for your follow-up. Could you share your blood sugar readings from the last three days? A photo of your meter or log works too.",
			name, doctor,
		)
	case assistant.ConditionFever:
		return fmt.Sprintf(
			"Hi %s, this is %s's office checking in for your follow-up. What is your temperature today, and has the fever come back since your visit?",
			name, doctor,
		)
	default:
		return fmt.Sprintf(
			"Hi %s, this is %s's office checking in for your follow-up. How have you been feeling since your visit? Reply here with any updates or questions.",
			name, doctor,
		)
	}
}
