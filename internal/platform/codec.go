// Package platform speaks the messaging platform's wire protocol: the
// category-tagged base64 payload codec and the persistent socket client.
package platform

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Platform message categories.
const (
	CategoryPlainText = "PLAIN_TEXT"
	CategoryImage     = "PLAIN_IMAGE"
	CategoryData      = "PLAIN_DATA"
	CategorySticker   = "PLAIN_STICKER"
	CategoryContact   = "PLAIN_CONTACT"
	CategoryLocation  = "PLAIN_LOCATION"
)

// Content kinds after decoding.
const (
	KindText     = "text"
	KindImage    = "image"
	KindFile     = "file"
	KindSticker  = "sticker"
	KindContact  = "contact"
	KindLocation = "location"
	KindUnknown  = "unknown"
)

// Decoded is the normalized view of a platform payload.
type Decoded struct {
	Kind     string
	Text     string
	Category string // raw category, preserved for the unknown catch-all
}

// DecodeContent converts a category-tagged base64 payload into normalized
// content. Unknown categories are preserved as a placeholder rather than
// rejected.
func DecodeContent(category, data string) (Decoded, error) {
	switch category {
	case CategoryPlainText:
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return Decoded{}, fmt.Errorf("decode text payload: %w", err)
		}
		return Decoded{Kind: KindText, Text: string(raw), Category: category}, nil
	case CategoryImage:
		return Decoded{Kind: KindImage, Text: "[image]", Category: category}, nil
	case CategoryData:
		return Decoded{Kind: KindFile, Text: "[file]", Category: category}, nil
	case CategorySticker:
		return Decoded{Kind: KindSticker, Text: "[sticker]", Category: category}, nil
	case CategoryContact:
		return Decoded{Kind: KindContact, Text: "[contact]", Category: category}, nil
	case CategoryLocation:
		return Decoded{Kind: KindLocation, Text: "[location]", Category: category}, nil
	default:
		return Decoded{Kind: KindUnknown, Text: "[" + category + "]", Category: category}, nil
	}
}

// EncodeText produces the wire form of a plain-text reply.
func EncodeText(text string) (category, data string) {
	return CategoryPlainText, base64.StdEncoding.EncodeToString([]byte(text))
}

// imagePayload is the JSON body of an image message.
type imagePayload struct {
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail"`
}

// EncodeImage produces the wire form of an image reply.
func EncodeImage(url, thumbnail string) (category, data string, err error) {
	if thumbnail == "" {
		thumbnail = url
	}
	body, err := json.Marshal(imagePayload{URL: url, Thumbnail: thumbnail})
	if err != nil {
		return "", "", fmt.Errorf("encode image payload: %w", err)
	}
	return CategoryImage, base64.StdEncoding.EncodeToString(body), nil
}
