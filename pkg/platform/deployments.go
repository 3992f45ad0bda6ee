package platform

import (
	"context"
	"fmt"
)

// Deployment is one deployment of one service in one environment.
type Deployment struct {
	ID              string
	ServiceID       string
	ServiceName     string
	EnvironmentID   string
	EnvironmentName string
	Status          string
}

// activeStatuses are the deployment states that can still emit logs.
var activeStatuses = map[string]bool{
	"SUCCESS":      true,
	"DEPLOYING":    true,
	"INITIALIZING": true,
	"BUILDING":     true,
	"WAITING":      true,
	"SLEEPING":     true,
}

const deploymentsQuery = `query deployments($projectId: String!) {
  deployments(first: 500, input: { projectId: $projectId }) {
    edges {
      node {
        id
        status
        serviceId
        environmentId
        service { name }
        environment { name }
      }
    }
  }
}`

type deploymentsData struct {
	Deployments struct {
		Edges []struct {
			Node struct {
				ID            string `json:"id"`
				Status        string `json:"status"`
				ServiceID     string `json:"serviceId"`
				EnvironmentID string `json:"environmentId"`
				Service       struct {
					Name string `json:"name"`
				} `json:"service"`
				Environment struct {
					Name string `json:"name"`
				} `json:"environment"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"deployments"`
}

// ActiveDeployments queries the project's deployments and returns the
// loggable ones, keeping only the first active deployment per
// (service, environment) pair. The platform returns deployments newest
// first, so "first" means "current".
func (c *Client) ActiveDeployments(ctx context.Context, projectID string) ([]Deployment, error) {
	var data deploymentsData
	vars := map[string]any{"projectId": projectID}
	if err := c.execute(ctx, deploymentsQuery, vars, &data); err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}

	seen := make(map[string]bool)
	var active []Deployment
	for _, edge := range data.Deployments.Edges {
		node := edge.Node
		if !activeStatuses[node.Status] {
			continue
		}
		key := node.ServiceID + "/" + node.EnvironmentID
		if seen[key] {
			continue
		}
		seen[key] = true
		active = append(active, Deployment{
			ID:              node.ID,
			ServiceID:       node.ServiceID,
			ServiceName:     node.Service.Name,
			EnvironmentID:   node.EnvironmentID,
			EnvironmentName: node.Environment.Name,
			Status:          node.Status,
		})
	}
	return active, nil
}
