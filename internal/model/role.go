package model

// Role is the platform role carried in a user's token.
type Role string

const (
	RoleLearner    Role = "learner"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// CanViewAnswerKeys reports whether the role may read full exam definitions.
func (r Role) CanViewAnswerKeys() bool {
	return r == RoleInstructor || r == RoleAdmin
}
