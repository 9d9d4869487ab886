package hookdeck

import (
	"encoding/base64"
	"fmt"
	"io"
)

const (
	sourceAuthUsername = "deepqueue"
	passwordBytes      = 32
)

// GenerateBasicAuth draws a fresh password from r.
func GenerateBasicAuth(r io.Reader) (BasicAuthCredential, error) {
	buf := make([]byte, passwordBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return BasicAuthCredential{}, fmt.Errorf("generating password: %w", err)
	}
	password := base64.StdEncoding.EncodeToString(buf)
	return BasicAuthCredential{
		Username: sourceAuthUsername,
		Password: password,
		Encoded:  base64.StdEncoding.EncodeToString([]byte(sourceAuthUsername + ":" + password)),
	}, nil
}

// Header returns the Authorization header value for the credential.
func (c BasicAuthCredential) Header() string {
	return "Basic " + c.Encoded
}
