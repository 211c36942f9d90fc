package provider

import "strings"

const (
	EncodingGSM7 = "GSM-7"
	EncodingUCS2 = "UCS-2"
)

const gsm7Basic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

// Characters from the GSM 03.38 extension table cost two septets.
const gsm7Extended = "^{}\\[~]|€\f"

// SMSEncoding picks the cheapest encoding able to carry body and counts the
// segments it needs. Concatenated messages lose room to the UDH.
func SMSEncoding(body string) (encoding string, segments int) {
	if body == "" {
		return EncodingGSM7, 0
	}
	septets := 0
	for _, r := range body {
		switch {
		case strings.ContainsRune(gsm7Basic, r):
			septets++
		case strings.ContainsRune(gsm7Extended, r):
			septets += 2
		default:
			return EncodingUCS2, countSegments(utf16Units(body), 70, 67)
		}
	}
	return EncodingGSM7, countSegments(septets, 160, 153)
}

func countSegments(units, single, multi int) int {
	if units <= single {
		return 1
	}
	return (units + multi - 1) / multi
}

func utf16Units(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
