package nostr

import "encoding/json"

// Profile is the metadata carried by a kind 0 event
type Profile struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Website     string `json:"website,omitempty"`
	CreatedAt   int64  `json:"created_at,omitempty"`
}

// contentFields is the profile without the logical clock
func (p Profile) contentFields() Profile {
	p.CreatedAt = 0
	return p
}

// ParseProfile decodes kind 0 content. Non-string fields are ignored and
// invalid JSON yields false.
func ParseProfile(e Event) (Profile, bool) {
	if e.Kind != KindMetadata {
		return Profile{}, false
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(e.Content), &data); err != nil {
		return Profile{}, false
	}
	str := func(key string) string {
		s, _ := data[key].(string)
		return s
	}
	return Profile{
		Name:        str("name"),
		DisplayName: str("display_name"),
		About:       str("about"),
		Picture:     str("picture"),
		Banner:      str("banner"),
		Nip05:       str("nip05"),
		Lud16:       str("lud16"),
		Website:     str("website"),
		CreatedAt:   e.CreatedAt,
	}, true
}
