package orchestrator

// Agent roles. Planning runs the first three; execution runs the
// craftsman for implementation and fix tickets and the validator for
// test tickets.
const (
	RoleArchitect = "architect"
	RoleSculptor  = "sculptor"
	RoleSentinel  = "sentinel"
	RoleCraftsman = "craftsman"
	RoleValidator = "validator"
)
