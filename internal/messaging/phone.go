package messaging

import (
	"regexp"
	"strings"
)

var phoneDigitsRe = regexp.MustCompile(`\d+`)

const whatsappPrefix = "whatsapp:"

// NormalizeE164 drops any channel prefix and formatting, returning +<digits>.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := sanitizePhone(value)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// ChannelOf reports which channel a provider address belongs to.
func ChannelOf(address string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(address)), whatsappPrefix) {
		return ChannelWhatsApp
	}
	return ChannelSMS
}

func sanitizePhone(value string) string {
	if value == "" {
		return ""
	}
	return strings.Join(phoneDigitsRe.FindAllString(value, -1), "")
}

func channelAddress(channel, phone string) string {
	if channel == ChannelWhatsApp {
		return whatsappPrefix + phone
	}
	return phone
}
