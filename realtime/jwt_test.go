package realtime

import (
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func testByJwt(userId string) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": userId,
	})
	byJwtStr, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		panic(err)
	}
	return byJwtStr
}

func TestParseByJwtUnverified(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":    "user-1",
		"name":       "Ana",
		"email":      "ana@example.com",
		"avatar_url": "https://example.com/ana.png",
	})
	byJwtStr, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, err, nil)

	byJwt, err := ParseByJwtUnverified(byJwtStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.UserId, "user-1")
	assert.Equal(t, byJwt.Name, "Ana")
	assert.Equal(t, byJwt.Email, "ana@example.com")

	participant := byJwt.Participant()
	assert.Equal(t, participant.UserId, "user-1")
	assert.Equal(t, participant.Name, "Ana")
	assert.Equal(t, participant.AvatarUrl, "https://example.com/ana.png")
}

func TestParseByJwtSubFallback(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":  "user-2",
		"name": "Ben",
	})
	byJwtStr, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, err, nil)

	byJwt, err := ParseByJwtUnverified(byJwtStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.UserId, "user-2")
}

func TestParseByJwtInvalid(t *testing.T) {
	_, err := ParseByJwtUnverified("not-a-jwt")
	assert.NotEqual(t, err, nil)

	// a well-formed jwt without identity claims
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"scope": "read",
	})
	byJwtStr, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, err, nil)
	_, err = ParseByJwtUnverified(byJwtStr)
	assert.NotEqual(t, err, nil)
}
