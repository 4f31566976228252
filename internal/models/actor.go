package models

type Role string

const (
	RoleCustomer   Role = "customer"
	RoleStaff      Role = "staff"
	RoleAdmin      Role = "admin"
	RoleSystem     Role = "system"
	RoleAutomation Role = "automation"
)

type Capability string

const (
	CapRespond         Capability = "respond"
	CapWarehouse       Capability = "warehouse"
	CapAdminEdit       Capability = "admin_edit"
	CapForceStatus     Capability = "force_status"
	CapIngest          Capability = "ingest"
	CapReportException Capability = "report_exception"
)

var roleCapabilities = map[Role][]Capability{
	RoleCustomer:   {CapRespond},
	RoleStaff:      {CapWarehouse, CapReportException},
	RoleAdmin:      {CapRespond, CapWarehouse, CapAdminEdit, CapForceStatus, CapIngest, CapReportException},
	RoleSystem:     {CapIngest, CapReportException},
	RoleAutomation: {CapIngest, CapReportException},
}

// Actor is supplied by the identity collaborator.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) Can(c Capability) bool {
	for _, x := range roleCapabilities[a.Role] {
		if x == c {
			return true
		}
	}
	return false
}

// SystemActor is used by the sweeper and the automation runner.
func SystemActor(id string) Actor {
	return Actor{ID: id, Role: RoleSystem}
}

// MayRespondFor reports whether the actor can answer approvals on an order owned by customerID.
// Customers may only answer for their own orders.
func (a Actor) MayRespondFor(customerID string) bool {
	if !a.Can(CapRespond) {
		return false
	}
	if a.Role == RoleCustomer {
		return a.ID != "" && a.ID == customerID
	}
	return true
}
