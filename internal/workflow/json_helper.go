package workflow

import "encoding/json"

// decodeLooseJSON unmarshals raw into v, tolerating surrounding
// whitespace. Models are asked for a bare JSON object but occasionally
// wrap it in prose; this package treats anything that doesn't parse as
// simply producing empty fields rather than failing the stage outright.
func decodeLooseJSON(raw string, v any) error {
	return json.Unmarshal([]byte(raw), v)
}
