// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package prompt asks the user for mnemonics, passphrases and confirmations.
// Secrets are read without echo when the input is a terminal.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/btcsuite/hdwallet/mnemonic"
	"golang.org/x/term"
)

// maxAttempts bounds how often an invalid answer is asked for again.
const maxAttempts = 3

// Prompter reads answers from an input and writes prompts to an output.
type Prompter struct {
	reader *bufio.Reader
	out    io.Writer

	// readSecret reads one line without echo, when supported.
	readSecret func() (string, error)
}

// New returns a prompter over in. Secrets are read with echo disabled when
// in is a terminal.
func New(in *os.File, out io.Writer) *Prompter {
	p := NewFromReader(in, out)

	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		p.readSecret = func() (string, error) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(p.out)
			if err != nil {
				return "", err
			}
			return string(b), nil
		}
	}

	return p
}

// NewFromReader returns a prompter that reads every answer, secrets included,
// as plain lines.
func NewFromReader(in io.Reader, out io.Writer) *Prompter {
	p := &Prompter{
		reader: bufio.NewReader(in),
		out:    out,
	}
	p.readSecret = p.readLine

	return p
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}

	return strings.TrimRight(line, "\r\n"), nil
}

// Mnemonic asks for a BIP39 mnemonic and validates it against the word
// list. Words are normalized to single spaces and lower case.
func (p *Prompter) Mnemonic(lang mnemonic.Language) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		fmt.Fprint(p.out, "Enter your mnemonic: ")
		line, err := p.readSecret()
		if err != nil {
			return "", err
		}

		words := strings.Join(strings.Fields(strings.ToLower(line)), " ")
		if err := mnemonic.Validate(words, lang); err != nil {
			fmt.Fprintf(p.out, "Invalid mnemonic: %v\n", err)
			continue
		}

		return words, nil
	}

	return "", fmt.Errorf("%w: too many attempts",
		mnemonic.ErrInvalidMnemonic)
}

// Passphrase asks for an optional passphrase. An empty answer is allowed.
// With confirm set the passphrase must be entered twice.
func (p *Prompter) Passphrase(prefix string, confirm bool) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		fmt.Fprintf(p.out, "%s: ", prefix)
		pass, err := p.readSecret()
		if err != nil {
			return "", err
		}
		if !confirm {
			return pass, nil
		}

		fmt.Fprint(p.out, "Confirm passphrase: ")
		again, err := p.readSecret()
		if err != nil {
			return "", err
		}
		if pass != again {
			fmt.Fprintln(p.out, "The entered passphrases do not match")
			continue
		}

		return pass, nil
	}

	return "", fmt.Errorf("passphrase not confirmed")
}

// Confirm asks a yes or no question, using defaultYes for an empty answer.
func (p *Prompter) Confirm(prefix string, defaultYes bool) (bool, error) {
	def := "no"
	if defaultYes {
		def = "yes"
	}

	reply, err := p.promptList(prefix, []string{"n", "no", "y", "yes"}, def)
	if err != nil {
		return false, err
	}

	return reply == "yes" || reply == "y", nil
}

// promptList prompts the user with the given prefix, list of valid responses,
// and default list entry to use.  The function will repeat the prompt to the
// user until they enter a valid response.
func (p *Prompter) promptList(prefix string, validResponses []string,
	defaultEntry string) (string, error) {

	// Setup the prompt according to the parameters.
	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	// Prompt the user until one of the valid responses is given.
	for {
		fmt.Fprint(p.out, prompt)
		reply, err := p.readLine()
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}
