package frogbot

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const argon2idPrefix = "$argon2id$v=19$"

var errInvalidPasswordHash = errors.New("invalid password hash")

// argon2Params are the cost settings encoded into every stored hash, so
// hashes made with older settings still verify.
type argon2Params struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

var defaultArgon2Params = argon2Params{
	Memory:  64 * 1024,
	Time:    1,
	Threads: 4,
	KeyLen:  32,
}

func (p argon2Params) key(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// HashPassword hashes the admin password with argon2id, in the PHC
// string format: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	p := defaultArgon2Params
	enc := base64.RawStdEncoding
	return fmt.Sprintf(
		"%sm=%d,t=%d,p=%d$%s$%s",
		argon2idPrefix,
		p.Memory, p.Time, p.Threads,
		enc.EncodeToString(salt),
		enc.EncodeToString(p.key(password, salt)),
	), nil
}

// VerifyPassword reports whether password matches a hash produced by
// HashPassword. An error means the stored hash itself is malformed.
func VerifyPassword(storedHash, password string) (bool, error) {
	p, salt, hash, err := parsePasswordHash(storedHash)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(hash, p.key(password, salt)) == 1, nil
}

func parsePasswordHash(s string) (p argon2Params, salt, hash []byte, err error) {
	rest, ok := strings.CutPrefix(s, argon2idPrefix)
	if !ok {
		return p, nil, nil, errInvalidPasswordHash
	}
	fields := strings.Split(rest, "$")
	if len(fields) != 3 {
		return p, nil, nil, errInvalidPasswordHash
	}
	if _, err = fmt.Sscanf(fields[0], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %w", errInvalidPasswordHash, err)
	}
	if salt, err = base64.RawStdEncoding.DecodeString(fields[1]); err != nil {
		return p, nil, nil, fmt.Errorf("%w: salt: %w", errInvalidPasswordHash, err)
	}
	if hash, err = base64.RawStdEncoding.DecodeString(fields[2]); err != nil {
		return p, nil, nil, fmt.Errorf("%w: key: %w", errInvalidPasswordHash, err)
	}
	p.KeyLen = uint32(len(hash))
	return p, salt, hash, nil
}

// sessionKey stretches the configured session secret to the 64 bytes
// securecookie wants for HMAC-SHA512.
func sessionKey(secret string) []byte {
	sum := sha512.Sum512([]byte(secret))
	return sum[:]
}
