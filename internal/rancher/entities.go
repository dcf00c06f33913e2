package rancher

import (
	"fmt"
	"regexp"
)

// idPattern matches platform IDs such as 1st5 or 1s42; names shaped like
// this are used directly without a lookup.
var idPattern = regexp.MustCompile(`^[0-9][a-z]{1,2}[0-9]+$`)

func IsID(value string) bool {
	return idPattern.MatchString(value)
}

// Stack groups services and is where operators supervise an upgrade.
type Stack struct {
	ID   string
	Name string
	URL  string
	Env  string
}

func (s Stack) WebURL() string {
	return fmt.Sprintf("%s/env/%s/apps/stacks/%s", s.URL, s.Env, s.ID)
}

func (s Stack) APIURL() string {
	return fmt.Sprintf("%s/v1/projects/%s/environments/%s", s.URL, s.Env, s.ID)
}

type Service struct {
	ID    string
	Name  string
	Stack Stack
}

func (s Service) WebURL() string {
	return fmt.Sprintf("%s/services/%s/containers", s.Stack.WebURL(), s.ID)
}

func (s Service) APIURL() string {
	return fmt.Sprintf("%s/v1/projects/%s/services/%s", s.Stack.URL, s.Stack.Env, s.ID)
}

func (s Service) String() string {
	return s.Name
}
