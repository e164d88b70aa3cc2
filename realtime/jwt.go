package realtime

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the platform is the authority on user identity. The client blindly trusts
// the by jwt and attaches it to the auth frame; if the jwt is invalid the
// platform rejects the connection. Claims are read here without verification
// only to seed local identity (self user id, display name) ahead of the
// first presence sync.

type ByJwt struct {
	UserId    string
	Name      string
	Email     string
	AvatarUrl string
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}
	if userId, ok := claimString(claims, "user_id"); ok {
		byJwt.UserId = userId
	} else if sub, ok := claimString(claims, "sub"); ok {
		byJwt.UserId = sub
	} else {
		return nil, fmt.Errorf("byJwt does not contain claim user_id")
	}
	byJwt.Name, _ = claimString(claims, "name")
	byJwt.Email, _ = claimString(claims, "email")
	byJwt.AvatarUrl, _ = claimString(claims, "avatar_url")
	return byJwt, nil
}

func claimString(claims gojwt.MapClaims, key string) (string, bool) {
	v, ok := claims[key]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	default:
		return "", false
	}
}

func (self *ByJwt) Participant() *Participant {
	return &Participant{
		UserId:    self.UserId,
		Name:      self.Name,
		Email:     self.Email,
		AvatarUrl: self.AvatarUrl,
	}
}
