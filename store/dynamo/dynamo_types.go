package dynamo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zlnvch/drawcast/models"
)

// Table layout (single table):
//
//	USER#<provider>#<providerId>  PROFILE       user profile
//	SESSION#<sessionId>           COUNTER       LastStep counter of the session
//	SESSION#<sessionId>           STEP#<n>      one drawing step, n zero padded
//
// GSI_UserSteps is keyed on UserId (sparse: anonymous steps are not indexed).

const (
	userPKPrefix    = "USER#"
	sessionPKPrefix = "SESSION#"
	stepSKPrefix    = "STEP#"
	counterSK       = "COUNTER"
	profileSK       = "PROFILE"
)

func userPK(provider string, providerId string) string {
	return userPKPrefix + provider + "#" + providerId
}

func sessionPK(sessionId string) string {
	return sessionPKPrefix + sessionId
}

// stepSK pads the step number so that lexicographic SK order is step order.
func stepSK(step int) string {
	return fmt.Sprintf("%s%010d", stepSKPrefix, step)
}

type dynamoUser struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Id         string `dynamodbav:"Id"`
	Provider   string `dynamodbav:"Provider"`
	ProviderId string `dynamodbav:"ProviderId"`
	Name       string `dynamodbav:"Name"`
	Email      string `dynamodbav:"Email"`
	Created    int64  `dynamodbav:"Created"`
	StepCount  int    `dynamodbav:"StepCount"`
}

// Map domain User -> Dynamo
func userToDynamo(u models.User) dynamoUser {
	return dynamoUser{
		PK:         userPK(u.Provider, u.ProviderId),
		SK:         profileSK,
		Id:         u.Id,
		Provider:   u.Provider,
		ProviderId: u.ProviderId,
		Name:       u.Name,
		Email:      u.Email,
		Created:    u.Created,
		StepCount:  u.StepCount,
	}
}

// Map Dynamo -> domain User
func userFromDynamo(du dynamoUser) models.User {
	return models.User{
		Id:         du.Id,
		Name:       du.Name,
		Email:      du.Email,
		Provider:   du.Provider,
		ProviderId: du.ProviderId,
		Created:    du.Created,
		StepCount:  du.StepCount,
	}
}

type dynamoStep struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Id         string `dynamodbav:"Id"`
	SessionId  string `dynamodbav:"SessionId"`
	Step       int    `dynamodbav:"Step"`
	Content    string `dynamodbav:"Content"`
	Status     string `dynamodbav:"Status"`
	Superseded bool   `dynamodbav:"Superseded"`
	UserId     string `dynamodbav:"UserId,omitempty"`
	Timestamp  int64  `dynamodbav:"Timestamp"`
	UpdatedAt  int64  `dynamodbav:"UpdatedAt"`
}

// Map domain DrawingStep -> Dynamo
func stepToDynamo(s models.DrawingStep) (dynamoStep, error) {
	content := s.Content
	if content == nil {
		content = map[string]any{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return dynamoStep{}, fmt.Errorf("marshal content: %w", err)
	}

	return dynamoStep{
		PK:         sessionPK(s.SessionId),
		SK:         stepSK(s.Step),
		Id:         s.Id,
		SessionId:  s.SessionId,
		Step:       s.Step,
		Content:    string(contentJSON),
		Status:     string(s.Status),
		Superseded: s.Superseded,
		UserId:     s.UserId,
		Timestamp:  s.Timestamp.UnixMilli(),
		UpdatedAt:  s.Timestamp.UnixMilli(),
	}, nil
}

// Map Dynamo -> domain DrawingStep
func stepFromDynamo(ds dynamoStep) (models.DrawingStep, error) {
	var content map[string]any
	if err := json.Unmarshal([]byte(ds.Content), &content); err != nil {
		return models.DrawingStep{}, fmt.Errorf("unmarshal content of step %s: %w", ds.Id, err)
	}

	return models.DrawingStep{
		Id:         ds.Id,
		SessionId:  ds.SessionId,
		Step:       ds.Step,
		Content:    content,
		Status:     models.StepStatus(ds.Status),
		Superseded: ds.Superseded,
		UserId:     ds.UserId,
		Timestamp:  time.UnixMilli(ds.Timestamp).UTC(),
	}, nil
}

func stepsFromDynamo(items []dynamoStep) ([]models.DrawingStep, error) {
	steps := make([]models.DrawingStep, 0, len(items))
	for _, item := range items {
		step, err := stepFromDynamo(item)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}
