package api

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

const AnonymousUser = "Anonymous"

// the claims the ui reads from the session token
// the token is never verified on the client
type ByJwt struct {
	UserId string
	Name   string
	Email  string
	Role   string
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userId, ok := claims["user_id"].(string); ok {
		byJwt.UserId = userId
	} else if sub, err := claims.GetSubject(); err == nil {
		byJwt.UserId = sub
	}
	if name, ok := claims["name"].(string); ok {
		byJwt.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		byJwt.Email = email
	}
	if role, ok := claims["role"].(string); ok {
		byJwt.Role = role
	}

	return byJwt, nil
}

func (self *ByJwt) DisplayName() string {
	switch {
	case self.Name != "":
		return self.Name
	case self.Email != "":
		return self.Email
	default:
		return AnonymousUser
	}
}
