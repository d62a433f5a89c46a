package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"strings"
)

func Sha1(reader io.Reader) (string, error) {
	sha1 := sha1.New()
	_, err := io.Copy(sha1, reader)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sha1.Sum(nil)), nil
}

// Short hex digest of a string, for log records that need to
// identify a payload without printing it.
func ShortDigest(data string) string {
	digest, _ := Sha1(strings.NewReader(data))
	return digest[:12]
}
