package deploy

import (
	"github.com/AlecAivazis/survey/v2"
)

// Prompter asks the user for values that were not given as flags.
type Prompter interface {
	Select(message string, options []string) (string, error)
	Input(message, defaultValue string) (string, error)
	Password(message string) (string, error)
}

// SurveyPrompter prompts on the terminal.
type SurveyPrompter struct{}

// Select shows a list and returns the chosen option.
func (SurveyPrompter) Select(message string, options []string) (string, error) {
	var answer string
	err := survey.AskOne(&survey.Select{Message: message, Options: options}, &answer)
	return answer, err
}

// Input reads one line of text.
func (SurveyPrompter) Input(message, defaultValue string) (string, error) {
	var answer string
	err := survey.AskOne(&survey.Input{Message: message, Default: defaultValue}, &answer)
	return answer, err
}

// Password reads a secret, echoing '*' for each character.
func (SurveyPrompter) Password(message string) (string, error) {
	var answer string
	err := survey.AskOne(&survey.Password{Message: message}, &answer, survey.WithHideCharacter('*'))
	return answer, err
}
