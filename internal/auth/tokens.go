package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes is the entropy of every generated token or secret (256 bits).
const tokenBytes = 32

// accessKeyPrefix namespaces access token entries inside the Cache.
const accessKeyPrefix = "access:"

func randomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// tokenPair returns two independent random strings.
func tokenPair() (access, refresh string, err error) {
	if access, err = randomToken(); err != nil {
		return "", "", err
	}
	for {
		if refresh, err = randomToken(); err != nil {
			return "", "", err
		}
		if refresh != access {
			return access, refresh, nil
		}
	}
}

func accessCacheKey(accessToken string) string {
	return accessKeyPrefix + accessToken
}
