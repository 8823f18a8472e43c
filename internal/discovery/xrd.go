package discovery

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
)

type xrdDocument struct {
	XMLName xml.Name  `xml:"XRD"`
	Subject string    `xml:"Subject"`
	Aliases []string  `xml:"Alias"`
	Links   []xrdLink `xml:"Link"`
}

type xrdLink struct {
	Rel      string `xml:"rel,attr"`
	Type     string `xml:"type,attr"`
	Href     string `xml:"href,attr"`
	Template string `xml:"template,attr"`
	// Some servers put the key inside the link instead of a data URI.
	Text string `xml:",chardata"`
}

// parseResource reads an XRD or JRD document, guessing from content type
// and then from the first significant byte.
func parseResource(body []byte, contentType string, base *url.URL) (*Resource, error) {
	trimmed := bytes.TrimSpace(body)
	isJSON := strings.Contains(contentType, "json")
	if !isJSON && !strings.Contains(contentType, "xml") && len(trimmed) > 0 {
		isJSON = trimmed[0] == '{'
	}
	if isJSON {
		var r Resource
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return nil, fmt.Errorf("%w: invalid JRD: %v", ErrDiscovery, err)
		}
		for i := range r.Links {
			r.Links[i].Href = resolve(base, r.Links[i].Href)
		}
		return &r, nil
	}

	var doc xrdDocument
	if err := xml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid XRD: %v", ErrDiscovery, err)
	}
	r := &Resource{Subject: strings.TrimSpace(doc.Subject)}
	for _, a := range doc.Aliases {
		r.Aliases = append(r.Aliases, strings.TrimSpace(a))
	}
	for _, l := range doc.Links {
		link := Link{Rel: l.Rel, Type: l.Type, Href: resolve(base, l.Href), Template: l.Template}
		if link.Href == "" && l.Rel == RelMagicKey {
			if text := strings.TrimSpace(l.Text); text != "" {
				link.Href = text
			}
		}
		r.Links = append(r.Links, link)
	}
	return r, nil
}

// magicKeyFromLink extracts a magicsig key string from a magic-public-key
// link. Hrefs are data URIs whose media type is separated from the key by a
// comma, or by a semicolon in older publishers; bare key strings are also
// accepted.
func magicKeyFromLink(href string) (string, error) {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "RSA.") {
		return href, nil
	}
	if !strings.HasPrefix(href, "data:") {
		return "", fmt.Errorf("%w: magic-public-key is not a data URI", ErrDiscovery)
	}
	rest := strings.TrimPrefix(href, "data:")
	i := strings.IndexAny(rest, ",;")
	if i < 0 {
		return "", fmt.Errorf("%w: magic-public-key data URI has no payload", ErrDiscovery)
	}
	key := rest[i+1:]
	if unescaped, err := url.PathUnescape(key); err == nil {
		key = unescaped
	}
	if !strings.HasPrefix(key, "RSA.") {
		return "", fmt.Errorf("%w: magic-public-key payload is not an RSA key", ErrDiscovery)
	}
	return key, nil
}
