package audit

import "strings"

// ActionResource holds action and resource derived from an HTTP method and route pattern.
type ActionResource struct {
	Action   string
	Resource string
}

// routeOverrides names resources whose pattern does not follow collection[/qualifier][/{param}].
var routeOverrides = map[string]string{
	"/logs/batch": "log_batch",
}

// ParseRoute returns action and resource for a method and chi route pattern (e.g. DELETE /devices/{deviceKey}).
// Action is a verb: get, list, create, update, delete, or the lowercase method for others.
// Resource is the singular collection name. A static qualifier segment scopes it, so
// /logs/session/{sessionId} maps to session_logs and /sessions/device/{deviceKey} to device_sessions.
func ParseRoute(method, pattern string) ActionResource {
	pattern = "/" + strings.Trim(pattern, "/")
	var static []string
	endsWithParam := false
	for _, seg := range strings.Split(strings.Trim(pattern, "/"), "/") {
		if seg == "" {
			continue
		}
		if strings.HasPrefix(seg, "{") {
			endsWithParam = true
			continue
		}
		endsWithParam = false
		static = append(static, seg)
	}
	action := methodToAction(method, endsWithParam)
	if r, ok := routeOverrides[pattern]; ok {
		return ActionResource{Action: action, Resource: r}
	}
	switch len(static) {
	case 0:
		return ActionResource{Action: action, Resource: "unknown"}
	case 1:
		return ActionResource{Action: action, Resource: singular(static[0])}
	default:
		return ActionResource{Action: action, Resource: singular(static[1]) + "_" + static[0]}
	}
}

func methodToAction(method string, item bool) string {
	switch strings.ToUpper(method) {
	case "GET", "HEAD":
		if item {
			return "get"
		}
		return "list"
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	}
	return strings.ToLower(method)
}

func singular(s string) string {
	s = strings.ToLower(s)
	if strings.HasSuffix(s, "ies") {
		return strings.TrimSuffix(s, "ies") + "y"
	}
	return strings.TrimSuffix(s, "s")
}
