package protocol

// Response is written back to the device after the backend accepts an answer
type Response struct {
	ID       interface{} `json:"Id"`
	Code     interface{} `json:"c"`
	DeviceID interface{} `json:"Did"`
}

// BuildResponse correlates a backend reply with the inbound payload. The
// terminal id comes from the payload, or from the reply's "id" when the
// payload has none. Missing code and device id default to 0.
func BuildResponse(payload, reply map[string]interface{}) Response {
	resp := Response{
		ID:       valueOr(reply, "id", 0),
		Code:     valueOr(reply, "code", 0),
		DeviceID: valueOr(payload, "Did", 0),
	}
	if id, ok := payload["Id"]; ok {
		resp.ID = id
	}
	return resp
}

func valueOr(m map[string]interface{}, key string, def interface{}) interface{} {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}
