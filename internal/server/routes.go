package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"southwinds.dev/heirloom"
)

const maxBodyBytes = 1 << 20

type route struct {
	method string
	path   string
	op     heirloom.Operation
}

// apiRoutes binds every caller operation to its path under /api/v1.
var apiRoutes = []route{
	{http.MethodPost, "/users", heirloom.OpCreateUser},
	{http.MethodDelete, "/users/me", heirloom.OpDeleteUser},
	{http.MethodPost, "/heartbeat", heirloom.OpHeartbeat},

	{http.MethodGet, "/secrets", heirloom.OpListSecrets},
	{http.MethodPost, "/secrets", heirloom.OpAddSecret},
	{http.MethodGet, "/secrets/{id}", heirloom.OpGetSecret},
	{http.MethodPut, "/secrets/{id}", heirloom.OpUpdateSecret},
	{http.MethodDelete, "/secrets/{id}", heirloom.OpRemoveSecret},
	{http.MethodGet, "/secrets/{id}/material", heirloom.OpGetDecryptionMaterial},
	{http.MethodPut, "/secrets/{id}/material", heirloom.OpRekeySecret},

	{http.MethodGet, "/testaments", heirloom.OpListTestaments},
	{http.MethodPost, "/testaments", heirloom.OpCreateTestament},
	{http.MethodGet, "/testaments/{id}", heirloom.OpGetTestament},
	{http.MethodPut, "/testaments/{id}", heirloom.OpUpdateTestament},
	{http.MethodDelete, "/testaments/{id}", heirloom.OpDeleteTestament},
	{http.MethodPut, "/testaments/{id}/keybox/{secretID}", heirloom.OpAddSecretToKeyBox},
	{http.MethodDelete, "/testaments/{id}/keybox/{secretID}", heirloom.OpRemoveSecretFromKeyBox},

	{http.MethodGet, "/inheritances", heirloom.OpListInheritances},
	{http.MethodGet, "/inheritances/{id}", heirloom.OpGetInheritance},
	{http.MethodGet, "/inheritances/{id}/secrets/{secretID}", heirloom.OpGetInheritedSecret},

	{http.MethodPost, "/keys/derive", heirloom.OpDeriveWrappingKey},
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.accessLog)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(authRequired(s.verifier), s.limiter.perCaller)
	for _, rt := range apiRoutes {
		api.HandleFunc(rt.path, s.handle(rt.op)).Methods(rt.method)
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	stats := s.vault.Stats()
	writeJSON(w, map[string]string{
		"status":     "ok",
		"namespace":  stats.Namespace,
		"store_type": stats.StoreType,
	})
}

func (s *Server) handle(op heirloom.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		if !ok {
			writeProblem(w, http.StatusUnauthorized, "missing caller")
			return
		}
		status, body, err := s.dispatch(r, op, caller)
		if err != nil {
			code := statusFor(err)
			if code == http.StatusInternalServerError {
				s.log.Error().Err(err).Str("operation", op.String()).Msg("unexpected vault error")
			}
			writeProblem(w, code, err.Error())
			return
		}
		if body == nil {
			w.WriteHeader(status)
			return
		}
		writeJSONStatus(w, status, body)
	}
}

// dispatch runs op for caller and returns the status and body to send.
func (s *Server) dispatch(r *http.Request, op heirloom.Operation, caller heirloom.Identity) (int, any, error) {
	ctx := r.Context()
	vars := mux.Vars(r)
	secretID := heirloom.SecretID(vars["id"])
	testamentID := heirloom.TestamentID(vars["id"])
	keyBoxSecret := heirloom.SecretID(vars["secretID"])

	switch op {
	case heirloom.OpCreateUser:
		return http.StatusCreated, nil, s.vault.CreateUser(ctx, caller)

	case heirloom.OpDeleteUser:
		removed, err := s.vault.DeleteUser(ctx, caller)
		return http.StatusOK, deleteUserResponse{RemovedTestaments: removed}, err

	case heirloom.OpHeartbeat:
		profile, err := s.vault.Heartbeat(ctx, caller)
		return http.StatusOK, profile, err

	case heirloom.OpListSecrets:
		entries, err := s.vault.ListSecrets(ctx, caller)
		return http.StatusOK, entries, err

	case heirloom.OpAddSecret:
		var req addSecretRequest
		if err := decode(r, &req); err != nil {
			return 0, nil, err
		}
		created, err := s.vault.AddSecret(ctx, caller, req.Secret, req.Material)
		return http.StatusCreated, created, err

	case heirloom.OpGetSecret:
		secret, err := s.vault.GetSecret(ctx, caller, secretID)
		return http.StatusOK, secret, err

	case heirloom.OpUpdateSecret:
		var secret heirloom.Secret
		if err := decode(r, &secret); err != nil {
			return 0, nil, err
		}
		secret.ID = secretID
		updated, err := s.vault.UpdateSecret(ctx, caller, secret)
		return http.StatusOK, updated, err

	case heirloom.OpRemoveSecret:
		return http.StatusNoContent, nil, s.vault.RemoveSecret(ctx, caller, secretID)

	case heirloom.OpGetDecryptionMaterial:
		material, err := s.vault.GetSecretDecryptionMaterial(ctx, caller, secretID)
		return http.StatusOK, material, err

	case heirloom.OpRekeySecret:
		var material heirloom.SecretDecryptionMaterial
		if err := decode(r, &material); err != nil {
			return 0, nil, err
		}
		return http.StatusNoContent, nil, s.vault.RekeySecret(ctx, caller, secretID, material)

	case heirloom.OpListTestaments:
		entries, err := s.vault.ListTestaments(ctx, caller)
		return http.StatusOK, entries, err

	case heirloom.OpCreateTestament:
		var req testamentRequest
		if err := decode(r, &req); err != nil {
			return 0, nil, err
		}
		spec, err := req.spec()
		if err != nil {
			return 0, nil, err
		}
		created, err := s.vault.CreateTestament(ctx, caller, spec)
		return http.StatusCreated, created, err

	case heirloom.OpGetTestament:
		tm, err := s.vault.GetTestament(ctx, caller, testamentID)
		return http.StatusOK, tm, err

	case heirloom.OpUpdateTestament:
		var req testamentRequest
		if err := decode(r, &req); err != nil {
			return 0, nil, err
		}
		spec, err := req.spec()
		if err != nil {
			return 0, nil, err
		}
		updated, err := s.vault.UpdateTestament(ctx, caller, testamentID, spec)
		return http.StatusOK, updated, err

	case heirloom.OpDeleteTestament:
		return http.StatusNoContent, nil, s.vault.DeleteTestament(ctx, caller, testamentID)

	case heirloom.OpAddSecretToKeyBox:
		return http.StatusNoContent, nil, s.vault.AddSecretToKeyBox(ctx, caller, testamentID, keyBoxSecret)

	case heirloom.OpRemoveSecretFromKeyBox:
		return http.StatusNoContent, nil, s.vault.RemoveSecretFromKeyBox(ctx, caller, testamentID, keyBoxSecret)

	case heirloom.OpListInheritances:
		entries, err := s.vault.ListInheritances(ctx, caller)
		return http.StatusOK, entries, err

	case heirloom.OpGetInheritance:
		resp, err := s.vault.GetInheritance(ctx, caller, testamentID)
		return http.StatusOK, resp, err

	case heirloom.OpGetInheritedSecret:
		inherited, err := s.vault.GetInheritedSecret(ctx, caller, testamentID, keyBoxSecret)
		return http.StatusOK, inherited, err

	case heirloom.OpDeriveWrappingKey:
		var req deriveRequest
		if err := decode(r, &req); err != nil {
			return 0, nil, err
		}
		target, err := req.target(caller)
		if err != nil {
			return 0, nil, err
		}
		sealed, err := s.vault.DeriveWrappingKey(ctx, caller, target, req.TransportPublicKey)
		return http.StatusOK, deriveResponse{SealedKey: sealed}, err

	default:
		return 0, nil, fmt.Errorf("operation %s is not served over http: %w", op, heirloom.ErrInvalidArgument)
	}
}

type deleteUserResponse struct {
	RemovedTestaments []heirloom.TestamentID `json:"removed_testaments"`
}

type addSecretRequest struct {
	Secret   heirloom.Secret                   `json:"secret"`
	Material heirloom.SecretDecryptionMaterial `json:"decryption_material"`
}

type testamentRequest struct {
	Name                    string              `json:"name,omitempty"`
	Beneficiaries           []heirloom.Identity `json:"beneficiaries,omitempty"`
	InactivityThresholdDays int                 `json:"inactivity_threshold_days,omitempty"`
}

// spec converts the request. Zero days leaves the threshold unset; the day
// count is bounded before it is turned into a time.Duration.
func (t testamentRequest) spec() (heirloom.TestamentSpec, error) {
	days := t.InactivityThresholdDays
	if days < 0 || days > heirloom.MaxInactivityThresholdDays {
		return heirloom.TestamentSpec{}, fmt.Errorf("inactivity_threshold_days must be between 0 and %d: %w",
			heirloom.MaxInactivityThresholdDays, heirloom.ErrInvalidArgument)
	}
	return heirloom.TestamentSpec{
		Name:                t.Name,
		Beneficiaries:       t.Beneficiaries,
		InactivityThreshold: time.Duration(days) * 24 * time.Hour,
	}, nil
}

type deriveRequest struct {
	Target             string               `json:"target"`
	Owner              heirloom.Identity    `json:"owner,omitempty"`
	TestamentID        heirloom.TestamentID `json:"testament_id,omitempty"`
	TransportPublicKey []byte               `json:"transport_public_key"`
}

func (d deriveRequest) target(caller heirloom.Identity) (heirloom.WrapTarget, error) {
	switch d.Target {
	case "owner", "":
		owner := d.Owner
		if owner == "" {
			owner = caller
		}
		return heirloom.OwnerTarget{Owner: owner}, nil
	case "testament":
		if d.TestamentID == "" {
			return nil, fmt.Errorf("testament_id is required: %w", heirloom.ErrInvalidArgument)
		}
		return heirloom.TestamentTarget{Testament: d.TestamentID}, nil
	default:
		return nil, fmt.Errorf("unknown derivation target %q: %w", d.Target, heirloom.ErrInvalidArgument)
	}
}

type deriveResponse struct {
	SealedKey []byte `json:"sealed_key"`
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %v: %w", err, heirloom.ErrInvalidArgument)
	}
	return nil
}
