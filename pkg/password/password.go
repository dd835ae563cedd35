package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrTooLong bcrypt 只使用前72字节，更长的密码直接拒绝
var ErrTooLong = errors.New("password exceeds 72 bytes")

// Hash 生成密码哈希
func Hash(plain string) (string, error) {
	if len(plain) > 72 {
		return "", ErrTooLong
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// Verify 校验密码
func Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
