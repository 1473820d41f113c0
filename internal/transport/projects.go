package transport

import "github.com/keystonehq/keystone-sync/internal/projects"

// Projects returns a REST backend for every project resource.
func Projects(c *Client) projects.Transports {
	return projects.Transports{
		Projects:   NewResource[projects.Project](c, projects.ResourceProjects),
		Milestones: NewResource[projects.Milestone](c, projects.Milestones),
		Variations: NewResource[projects.Variation](c, projects.Variations),
		Tickets:    NewResource[projects.Ticket](c, projects.Tickets),
		Invoices:   NewResource[projects.Invoice](c, projects.Invoices),
		Approvals:  NewResource[projects.Approval](c, projects.Approvals),
		Team:       NewResource[projects.TeamMember](c, projects.Team),
		Files:      NewResource[projects.FileAsset](c, projects.Files),
	}
}
