package session

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/neurotutor/neurotutor/internal/model"
)

// NormalizeRole upper-cases a role and strips any "ROLE_" prefix.
func NormalizeRole(role string) model.Role {
	r := strings.ToUpper(strings.TrimSpace(role))
	return model.Role(strings.TrimPrefix(r, "ROLE_"))
}

// NormalizeProfile converts a login or /me response into a UserProfile.
// userId wins over id; a missing diagnosticCompleted is false.
func NormalizeProfile(raw model.RawProfile) model.UserProfile {
	id := raw.UserID
	if id == "" {
		id = raw.ID
	}
	p := model.UserProfile{
		ID:              string(id),
		Email:           raw.Email,
		FirstName:       raw.FirstName,
		LastName:        raw.LastName,
		Role:            NormalizeRole(raw.Role),
		DiagnosticScore: raw.DiagnosticScore,
		Level:           model.Level(strings.ToUpper(strings.TrimSpace(raw.Level))),
	}
	if raw.DiagnosticCompleted != nil {
		p.DiagnosticCompleted = *raw.DiagnosticCompleted
	}
	return p
}

// fallbackProfile builds a profile from the login response alone. Fields the
// response lacks are read from the token's claims without verifying the
// signature; the auth service stays the authority on them.
func fallbackProfile(raw model.RawProfile) model.UserProfile {
	p := NormalizeProfile(raw)
	if p.ID != "" && p.Email != "" && p.Role != "" {
		return p
	}
	claims, err := tokenClaims(raw.Token)
	if err != nil {
		return p
	}
	if p.Email == "" {
		if sub, _ := claims["sub"].(string); strings.Contains(sub, "@") {
			p.Email = sub
		} else if email, _ := claims["email"].(string); email != "" {
			p.Email = email
		}
	}
	if p.ID == "" {
		switch v := claims["userId"].(type) {
		case string:
			p.ID = v
		case float64:
			p.ID = fmt.Sprintf("%.0f", v)
		}
	}
	if p.Role == "" {
		if role, _ := claims["role"].(string); role != "" {
			p.Role = NormalizeRole(role)
		}
	}
	return p
}

func tokenClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token claims: %w", err)
	}
	return claims, nil
}
