package session

import "github.com/neurotutor/neurotutor/internal/model"

// Fixed navigation targets.
const (
	LoginPath      = "/login"
	RootPathURL    = "/"
	DiagnosticPath = "/diagnostic"
	DashboardPath  = "/dashboard"
	TeacherPath    = "/teacher"
	ProfilePath    = "/profile"
)

// DecisionKind is what a navigation results in.
type DecisionKind int

const (
	ShowLoading DecisionKind = iota
	Redirect
	Render
	// Forbidden ends a navigation the user's role can never complete.
	Forbidden
)

func (k DecisionKind) String() string {
	switch k {
	case ShowLoading:
		return "show_loading"
	case Redirect:
		return "redirect"
	case Render:
		return "render"
	case Forbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Decision is the outcome of guarding a route. To is set for redirects;
// ReturnTo carries the requested path when redirecting to the login page.
type Decision struct {
	Kind     DecisionKind
	To       string
	ReturnTo string
}

// Decide applies a route rule to a session.
func Decide(s model.Session, rule RouteRule, requested string) Decision {
	switch s.Status {
	case model.StatusAuthenticated:
	case model.StatusAnonymous:
		return Decision{Kind: Redirect, To: LoginPath, ReturnTo: requested}
	default:
		return Decision{Kind: ShowLoading}
	}
	if s.User == nil {
		return Decision{Kind: ShowLoading}
	}

	role := NormalizeRole(string(s.User.Role))
	if len(rule.AllowedRoles) > 0 && !rule.allows(role) {
		return Decision{Kind: Redirect, To: RootPathURL}
	}
	if rule.RequireDiagnostic && role == model.RoleStudent && !s.User.DiagnosticCompleted {
		return Decision{Kind: Redirect, To: DiagnosticPath}
	}
	return Decision{Kind: Render}
}

// RootDecision dispatches a navigation to "/".
func RootDecision(s model.Session) Decision {
	switch s.Status {
	case model.StatusAuthenticated:
		if s.User == nil {
			return Decision{Kind: ShowLoading}
		}
		return Decision{Kind: Redirect, To: RootPath(*s.User)}
	case model.StatusAnonymous:
		return Decision{Kind: Redirect, To: LoginPath}
	default:
		return Decision{Kind: ShowLoading}
	}
}

// ResolveRoot is RootDecision checked against the route table: when the
// landing page would itself send the user back to "/", the navigation is
// Forbidden instead of looping.
func ResolveRoot(s model.Session, t RouteTable) Decision {
	d := RootDecision(s)
	if d.Kind != Redirect || s.Status != model.StatusAuthenticated {
		return d
	}
	rule, ok := t.Match(d.To)
	if !ok {
		return d
	}
	if next := Decide(s, rule, d.To); next.Kind == Redirect && next.To == RootPathURL {
		return Decision{Kind: Forbidden}
	}
	return d
}

// RootPath is the landing page for a signed-in user. Parents and roles
// this client does not know land on the profile page.
func RootPath(u model.UserProfile) string {
	switch NormalizeRole(string(u.Role)) {
	case model.RoleTeacher:
		return TeacherPath
	case model.RoleAdmin:
		return DashboardPath
	case model.RoleStudent:
		if !u.DiagnosticCompleted {
			return DiagnosticPath
		}
		return DashboardPath
	default:
		return ProfilePath
	}
}
