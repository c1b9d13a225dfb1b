package api

import (
	"context"
	"net/http"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/joescharf/testhub/internal/auth"
	"github.com/joescharf/testhub/internal/models"
)

type registerBody struct {
	Email    string `json:"email" format:"email" doc:"Login email"`
	FullName string `json:"full_name,omitempty"`
	Password string `json:"password" minLength:"1"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type userOutput struct {
	Body *models.User
}

func (s *Server) registerAuth(api huma.API, router chi.Router) {
	huma.Register(api, huma.Operation{
		OperationID: "register",
		Method:      http.MethodPost,
		Path:        "/auth/register",
		Summary:     "Register a new user",
		Tags:        []string{"auth"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct{ Body registerBody }) (*userOutput, error) {
		u, err := s.auth.Register(ctx, auth.RegisterInput{
			Email:    input.Body.Email,
			FullName: input.Body.FullName,
			Password: input.Body.Password,
			Role:     models.RoleTester,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &userOutput{Body: u}, nil
	})

	// Login takes an OAuth2 password form, which huma does not bind, so it
	// is a plain handler documented by hand.
	router.Post("/auth/login", s.login)
	api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange email and password for a bearer token",
		Tags:        []string{"auth"},
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"application/x-www-form-urlencoded": {
					Schema: &huma.Schema{
						Type:     huma.TypeObject,
						Required: []string{"username", "password"},
						Properties: map[string]*huma.Schema{
							"username": {Type: huma.TypeString, Description: "User email"},
							"password": {Type: huma.TypeString},
						},
					},
				},
			},
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "OK",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: api.OpenAPI().Components.Schemas.Schema(reflect.TypeOf(tokenResponse{}), true, "TokenResponse"),
					},
				},
			},
			"400": {Description: "Incorrect email or password"},
		},
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-users-me",
		Method:      http.MethodGet,
		Path:        "/users/me",
		Summary:     "Current user",
		Tags:        []string{"users"},
		Security:    bearerSecurity,
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*userOutput, error) {
		u, err := s.currentUser(ctx)
		if err != nil {
			return nil, err
		}
		return &userOutput{Body: u}, nil
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid form body")
		return
	}
	username := strings.TrimSpace(r.PostForm.Get("username"))
	password := r.PostForm.Get("password")
	if username == "" || password == "" {
		writeError(w, http.StatusUnprocessableEntity, "username and password are required")
		return
	}

	token, err := s.auth.Login(r.Context(), username, password)
	if err != nil {
		se := handleError(err)
		writeError(w, se.GetStatus(), se.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}
