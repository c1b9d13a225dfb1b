package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joescharf/testhub/internal/models"
	"github.com/joescharf/testhub/internal/store"
)

type projectIDPath struct {
	ID string `path:"id"`
}

type projectBody struct {
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
}

type projectPatch struct {
	Name        *string `json:"name,omitempty" minLength:"1"`
	Description *string `json:"description,omitempty"`
}

type projectOutput struct {
	Body *models.Project
}

type projectListOutput struct {
	Body []*models.Project
}

// ownedProject loads a project the user owns. Missing and foreign projects
// look the same to the caller.
func (s *Server) ownedProject(ctx context.Context, user *models.User, id string) (*models.Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.OwnerID != user.ID) {
		return nil, newAPIError(http.StatusNotFound, "Project not found")
	}
	if err != nil {
		return nil, handleError(err)
	}
	return p, nil
}

func (s *Server) registerProjects(api huma.API) {
	tags := []string{"projects"}

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List the current user's projects",
		Tags:        tags,
		Security:    bearerSecurity,
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*projectListOutput, error) {
		user, err := s.currentUser(ctx)
		if err != nil {
			return nil, err
		}
		projects, err := s.store.ListProjects(ctx, user.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if projects == nil {
			projects = []*models.Project{}
		}
		return &projectListOutput{Body: projects}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create a project",
		Tags:          tags,
		Security:      bearerSecurity,
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct{ Body projectBody }) (*projectOutput, error) {
		user, err := s.currentUser(ctx)
		if err != nil {
			return nil, err
		}
		p := &models.Project{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			OwnerID:     user.ID,
		}
		if err := s.store.CreateProject(ctx, p); err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get a project",
		Tags:        tags,
		Security:    bearerSecurity,
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *projectIDPath) (*projectOutput, error) {
		user, err := s.currentUser(ctx)
		if err != nil {
			return nil, err
		}
		p, err := s.ownedProject(ctx, user, input.ID)
		if err != nil {
			return nil, err
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPut,
		Path:        "/projects/{id}",
		Summary:     "Update a project",
		Tags:        tags,
		Security:    bearerSecurity,
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body projectPatch
	}) (*projectOutput, error) {
		user, err := s.currentUser(ctx)
		if err != nil {
			return nil, err
		}
		p, err := s.ownedProject(ctx, user, input.ID)
		if err != nil {
			return nil, err
		}
		if input.Body.Name != nil {
			p.Name = *input.Body.Name
		}
		if input.Body.Description != nil {
			p.Description = *input.Body.Description
		}
		if err := s.store.UpdateProject(ctx, p); err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{id}",
		Summary:       "Delete a project and its bugs",
		Tags:          tags,
		Security:      bearerSecurity,
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *projectIDPath) (*struct{}, error) {
		user, err := s.currentUser(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := s.ownedProject(ctx, user, input.ID); err != nil {
			return nil, err
		}
		if err := s.store.DeleteProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
