package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Directory resolves identities and records over the AT-Protocol HTTPS
// surface. The base URLs are fields so tests can point them at fakes.
type Directory struct {
	// Appview hosting com.atproto.identity.resolveHandle.
	AppviewURL string

	// The did:plc directory.
	PLCURL string

	client *http.Client
}

// NewDirectory returns a resolver against the public directory services.
func NewDirectory() *Directory {
	return &Directory{
		AppviewURL: "https://public.api.bsky.app",
		PLCURL:     "https://plc.directory",
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// DIDDoc is the subset of a DID document we care about.
type DIDDoc struct {
	AlsoKnownAs []string     `json:"alsoKnownAs"`
	Service     []DIDService `json:"service"`
}

// DIDService is a service entry in a DID document.
type DIDService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// getJSON fetches a URL and decodes the JSON body into out.
func (d *Directory) getJSON(u string, out interface{}) error {
	resp, err := d.client.Get(u)
	if err != nil {
		return errors.Wrapf(err, "error fetching %s", u)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s: status %d", u, resp.StatusCode)
	}

	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out),
		"error decoding %s", u)
}

// ResolveHandle resolves a handle to its DID.
func (d *Directory) ResolveHandle(handle string) (string, error) {
	var resolution struct {
		DID string `json:"did"`
	}

	u := fmt.Sprintf("%s/xrpc/com.atproto.identity.resolveHandle?handle=%s",
		d.AppviewURL, url.QueryEscape(handle))
	if err := d.getJSON(u, &resolution); err != nil {
		return "", err
	}

	if resolution.DID == "" {
		return "", errors.Errorf("no DID for handle %s", handle)
	}
	return resolution.DID, nil
}

// GetDIDDoc fetches the DID document for a did:plc or did:web identifier.
func (d *Directory) GetDIDDoc(did string) (DIDDoc, error) {
	var u string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		u = fmt.Sprintf("%s/%s", d.PLCURL, did)
	case strings.HasPrefix(did, "did:web:"):
		u = fmt.Sprintf("https://%s/.well-known/did.json",
			strings.TrimPrefix(did, "did:web:"))
	default:
		return DIDDoc{}, errors.Errorf("invalid DID: %s", did)
	}

	var doc DIDDoc
	if err := d.getJSON(u, &doc); err != nil {
		return DIDDoc{}, err
	}
	return doc, nil
}

// pdsEndpoint finds the personal data server endpoint in a DID document.
func pdsEndpoint(doc DIDDoc) (string, error) {
	for _, svc := range doc.Service {
		if svc.ID == "#atproto_pds" && svc.Type == "AtprotoPersonalDataServer" {
			return svc.ServiceEndpoint, nil
		}
	}
	return "", errors.New("pds not found")
}

// claimedHandle extracts the handle a DID document claims, without verifying
// it. Blank if the document claims none.
func claimedHandle(doc DIDDoc) string {
	for _, aka := range doc.AlsoKnownAs {
		if strings.HasPrefix(aka, "at://") {
			return strings.TrimPrefix(aka, "at://")
		}
	}
	return ""
}

// GetPDS resolves a DID to its personal data server endpoint.
func (d *Directory) GetPDS(did string) (string, error) {
	doc, err := d.GetDIDDoc(did)
	if err != nil {
		return "", err
	}
	return pdsEndpoint(doc)
}

// GetAuthEndpoint asks a PDS which authorization server protects it.
func (d *Directory) GetAuthEndpoint(pds string) (string, error) {
	var resource struct {
		AuthorizationServers []string `json:"authorization_servers"`
	}

	u := fmt.Sprintf("%s/.well-known/oauth-protected-resource", pds)
	if err := d.getJSON(u, &resource); err != nil {
		return "", err
	}

	if len(resource.AuthorizationServers) == 0 {
		return "", errors.New("auth endpoint not found")
	}
	return resource.AuthorizationServers[0], nil
}

// GetDIDAndAuthEndpoint resolves a handle all the way to its DID and the
// authorization server we must log in against.
func (d *Directory) GetDIDAndAuthEndpoint(handle string) (did, auth string,
	err error) {
	did, err = d.ResolveHandle(handle)
	if err != nil {
		return "", "", err
	}

	pds, err := d.GetPDS(did)
	if err != nil {
		return "", "", err
	}

	auth, err = d.GetAuthEndpoint(pds)
	if err != nil {
		return "", "", err
	}

	return did, auth, nil
}

// GetProfile fetches a user's social.psky.actor.profile/self record from
// their PDS. A missing or invalid profile is not an error.
func (d *Directory) GetProfile(pds, did string) *Profile {
	var record struct {
		Value Profile `json:"value"`
	}

	u := fmt.Sprintf(
		"%s/xrpc/com.atproto.repo.getRecord?repo=%s&collection=%s&rkey=self",
		pds, url.QueryEscape(did), collectionProfile)
	if err := d.getJSON(u, &record); err != nil {
		return nil
	}

	return &record.Value
}

// RoomRecord is one record returned by listRecords on the room collection.
type RoomRecord struct {
	URI   ChannelURI `json:"uri"`
	Value Room       `json:"value"`
}

// ListRooms lists every social.psky.chat.room record in a repo.
func (d *Directory) ListRooms(pds, did string) ([]RoomRecord, error) {
	var list struct {
		Records []RoomRecord `json:"records"`
	}

	u := fmt.Sprintf(
		"%s/xrpc/com.atproto.repo.listRecords?repo=%s&collection=%s",
		pds, url.QueryEscape(did), collectionRoom)
	if err := d.getJSON(u, &list); err != nil {
		return nil, err
	}

	return list.Records, nil
}

// Agent is an authenticated XRPC session against an authorization server.
type Agent struct {
	endpoint  string
	did       string
	accessJWT string
	client    *http.Client
}

// DID returns the DID the server says we authenticated as.
func (a *Agent) DID() string {
	return a.did
}

// Login performs the user password flow against the authorization server and
// returns an agent holding the session.
func (d *Directory) Login(authEndpoint, identifier, password string) (*Agent,
	error) {
	body, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"password":   password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "error encoding login request")
	}

	u := fmt.Sprintf("%s/xrpc/com.atproto.server.createSession", authEndpoint)
	resp, err := d.client.Post(u, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "error logging in")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("login failed: status %d", resp.StatusCode)
	}

	var session struct {
		DID       string `json:"did"`
		AccessJWT string `json:"accessJwt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, errors.Wrap(err, "error decoding session")
	}

	return &Agent{
		endpoint:  authEndpoint,
		did:       session.DID,
		accessJWT: session.AccessJWT,
		client:    d.client,
	}, nil
}

// CreateRecord writes a record to the agent's repo. Validation is disabled as
// the psky lexicons are not registered with every PDS.
func (a *Agent) CreateRecord(collection string, record interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"collection": collection,
		"repo":       a.did,
		"record":     record,
		"validate":   false,
	})
	if err != nil {
		return errors.Wrap(err, "error encoding record")
	}

	u := fmt.Sprintf("%s/xrpc/com.atproto.repo.createRecord", a.endpoint)
	req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "error building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.accessJWT)

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "error creating record")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("createRecord failed: status %d", resp.StatusCode)
	}
	return nil
}
