package care

import "github.com/drfirst/go-mar/pkg/apiclient"

const (
	requestsPath        = "/api/v1/patient/{patient}/medication/request/"
	requestPath         = "/api/v1/patient/{patient}/medication/request/{id}/"
	administrationsPath = "/api/v1/patient/{patient}/medication/administration/"
	administrationPath  = "/api/v1/patient/{patient}/medication/administration/{id}/"
)

// Routes are the CARE endpoints this service talks to
var Routes = struct {
	ListRequests         apiclient.Route[Paginated[MedicationRequest], struct{}]
	GetRequest           apiclient.Route[MedicationRequest, struct{}]
	UpdateRequest        apiclient.Route[MedicationRequest, StatusUpdate]
	ListAdministrations  apiclient.Route[Paginated[MedicationAdministration], struct{}]
	CreateAdministration apiclient.Route[MedicationAdministration, AdministrationWrite]
	UpdateAdministration apiclient.Route[MedicationAdministration, StatusUpdate]
}{
	ListRequests:         apiclient.Get[Paginated[MedicationRequest]](requestsPath),
	GetRequest:           apiclient.Get[MedicationRequest](requestPath),
	UpdateRequest:        apiclient.Patch[MedicationRequest, StatusUpdate](requestPath),
	ListAdministrations:  apiclient.Get[Paginated[MedicationAdministration]](administrationsPath),
	CreateAdministration: apiclient.Post[MedicationAdministration, AdministrationWrite](administrationsPath),
	UpdateAdministration: apiclient.Patch[MedicationAdministration, StatusUpdate](administrationPath),
}

func patientParams(patientID string) map[string]any {
	return map[string]any{"patient": patientID}
}

func recordParams(patientID, id string) map[string]any {
	return map[string]any{"patient": patientID, "id": id}
}

// listPrefix is the cache prefix covering every read under a patient's collection
func listPrefix(path, patientID string) string {
	return apiclient.MakeURL(path, nil, patientParams(patientID))
}
