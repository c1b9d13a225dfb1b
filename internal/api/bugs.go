package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joescharf/testhub/internal/models"
	"github.com/joescharf/testhub/internal/store"
	"github.com/joescharf/testhub/internal/workflow"
)

type bugCreateBody struct {
	Title       string             `json:"title" minLength:"1"`
	Description string             `json:"description,omitempty"`
	Severity    models.BugSeverity `json:"severity,omitempty" enum:"low,medium,high,critical" default:"medium"`
	Priority    models.BugPriority `json:"priority,omitempty" enum:"low,medium,high" default:"medium"`
	AssigneeID  *string            `json:"assignee_id,omitempty"`
}

type bugUpdateBody struct {
	Title       *string             `json:"title,omitempty" minLength:"1"`
	Description *string             `json:"description,omitempty"`
	Severity    *models.BugSeverity `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Priority    *models.BugPriority `json:"priority,omitempty" enum:"low,medium,high"`
	AssigneeID  *string             `json:"assignee_id,omitempty"`
}

type bugStatusBody struct {
	Status models.BugStatus `json:"status" enum:"open,in_progress,resolved,closed"`
}

type bugOutput struct {
	Body *models.Bug
}

type bugListOutput struct {
	Body []*models.Bug
}

// ownedBug loads a bug whose project the user owns.
func (s *Server) ownedBug(ctx context.Context, user *models.User, id string) (*models.Bug, error) {
	bug, err := s.store.GetBug(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newAPIError(http.StatusNotFound, "Bug not found")
	}
	if err != nil {
		return nil, handleError(err)
	}
	p, err := s.store.GetProject(ctx, bug.ProjectID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.OwnerID != user.ID) {
		return nil, newAPIError(http.StatusNotFound, "Bug not found")
	}
	if err != nil {
		return nil, handleError(err)
	}
	return bug, nil
}

// checkAssignee rejects assignee ids that name no user.
func (s *Server) checkAssignee(ctx context.Context, id *string) error {
	if id == nil || *id == "" {
		return nil
	}
	_, err := s.store.GetUser(ctx, *id)
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusBadRequest, "Assignee not found")
	}
	if err != nil {
		return handleError(err)
	}
	return nil
}

func (s *Server) registerBugs(api huma.API) {
	tags := []string{"bugs"}

	huma.Register(api, huma.Operation{
		OperationID: "list-project-bugs",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/bugs",
		Summary:     "List bugs for a project",
		Tags:        tags,
		Security:    bearerSecurity,
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string           `path:"id"`
		Status models.BugStatus `query:"status" enum:"open,in_progress,resolved,closed"`
	}) (*bugListOutput, error) {
		user, err := s.currentUser(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := s.ownedProject(ctx, user, input.ID); err != nil {
			return nil, err
		}
		bugs, err := s.store.ListBugs(ctx, store.BugListFilter{ProjectID: input.ID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		if bugs == nil {
			bugs = []*models.Bug{}
		}
		return &bugListOutput{Body: bugs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-project-bug",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/bugs",
		Summary:       "Report a bug against a project",
		Tags:          tags,
		Security:      bearerSecurity,
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body bugCreateBody
	}) (*bugOutput, error) {
		user, err := s.currentUser(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := s.ownedProject(ctx, user, input.ID); err != nil {
			return nil, err
		}
		if err := s.checkAssignee(ctx, input.Body.AssigneeID); err != nil {
			return nil, err
		}
		bug := &models.Bug{
			ProjectID:   input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Severity:    input.Body.Severity,
			Priority:    input.Body.Priority,
			ReporterID:  user.ID,
			AssigneeID:  input.Body.AssigneeID,
		}
		if err := s.store.CreateBug(ctx, bug); err != nil {
			return nil, handleError(err)
		}
		return &bugOutput{Body: bug}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bug",
		Method:      http.MethodGet,
		Path:        "/bugs/{id}",
		Summary:     "Get a bug",
		Tags:        tags,
		Security:    bearerSecurity,
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*bugOutput, error) {
		user, err := s.currentUser(ctx)
		if err != nil {
			return nil, err
		}
		bug, err := s.ownedBug(ctx, user, input.ID)
		if err != nil {
			return nil, err
		}
		return &bugOutput{Body: bug}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-bug",
		Method:      http.MethodPut,
		Path:        "/bugs/{id}",
		Summary:     "Update bug fields other than status",
		Tags:        tags,
		Security:    bearerSecurity,
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body bugUpdateBody
	}) (*bugOutput, error) {
		user, err := s.currentUser(ctx)
		if err != nil {
			return nil, err
		}
		bug, err := s.ownedBug(ctx, user, input.ID)
		if err != nil {
			return nil, err
		}
		if err := s.checkAssignee(ctx, input.Body.AssigneeID); err != nil {
			return nil, err
		}

		b := input.Body
		if b.Title != nil {
			bug.Title = *b.Title
		}
		if b.Description != nil {
			bug.Description = *b.Description
		}
		if b.Severity != nil {
			bug.Severity = *b.Severity
		}
		if b.Priority != nil {
			bug.Priority = *b.Priority
		}
		if b.AssigneeID != nil {
			bug.AssigneeID = b.AssigneeID
		}
		if err := s.store.UpdateBug(ctx, bug); err != nil {
			return nil, handleError(err)
		}
		return &bugOutput{Body: bug}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-bug-status",
		Method:      http.MethodPatch,
		Path:        "/bugs/{id}/status",
		Summary:     "Move a bug through its lifecycle",
		Description: "Allowed: open→in_progress|resolved, in_progress→resolved, resolved→closed|in_progress. closed is terminal.",
		Tags:        tags,
		Security:    bearerSecurity,
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body bugStatusBody
	}) (*bugOutput, error) {
		user, err := s.currentUser(ctx)
		if err != nil {
			return nil, err
		}
		bug, err := s.ownedBug(ctx, user, input.ID)
		if err != nil {
			return nil, err
		}
		if _, err := workflow.Apply(bug, input.Body.Status); err != nil {
			return nil, handleError(err)
		}
		if err := s.store.UpdateBug(ctx, bug); err != nil {
			return nil, handleError(err)
		}
		return &bugOutput{Body: bug}, nil
	})
}
