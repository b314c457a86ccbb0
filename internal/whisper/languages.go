package whisper

import "strings"

// AutoLanguage asks the engine to detect the spoken language.
const AutoLanguage = "auto"

// languages lists the codes accepted by multilingual whisper checkpoints.
var languages = map[string]struct{}{}

func init() {
	for _, code := range strings.Fields(`
		en zh de es ru ko fr ja pt tr pl ca nl ar sv it id hi fi vi he uk el ms cs ro
		da hu ta no th ur hr bg lt la mi ml cy sk te fa lv bn sr az sl kn et mk br eu
		is hy ne mn bs kk sq sw gl mr pa si km sn yo so af oc ka be tg sd gu am yi lo
		uz fo ht ps tk nn mt sa lb my bo tl mg as tt haw ln ha ba jw su yue`) {
		languages[code] = struct{}{}
	}
}

// NormalizeLanguage lowercases code and maps "" and "auto" to "".
func NormalizeLanguage(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == AutoLanguage {
		return ""
	}
	return code
}

// IsLanguage reports whether code is a whisper language code. The empty string
// and "auto" are accepted and mean detection.
func IsLanguage(code string) bool {
	code = NormalizeLanguage(code)
	if code == "" {
		return true
	}
	_, ok := languages[code]
	return ok
}
