package registry

import "github.com/tidwall/sjson"

// Envelope renders the capability execution wire response,
// `{"success": bool, "result"?: ..., "error"?: string}`.
func Envelope(result any, err error) []byte {
	out := []byte(`{}`)
	if err != nil {
		out, _ = sjson.SetBytes(out, "success", false)
		out, _ = sjson.SetBytes(out, "error", err.Error())
		return out
	}
	out, _ = sjson.SetBytes(out, "success", true)
	if result != nil {
		out, _ = sjson.SetBytes(out, "result", result)
	}
	return out
}
