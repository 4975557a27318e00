// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mnemonic turns BIP39 mnemonics into wallet seed bytes.
package mnemonic

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tyler-smith/go-bip39"
	"github.com/tyler-smith/go-bip39/wordlists"
)

var (
	// ErrUnknownLanguage is returned for a wordlist language that is not
	// supported. There is no fallback language.
	ErrUnknownLanguage = errors.New("unknown mnemonic language")

	// ErrInvalidWordCount is returned when the requested number of words
	// does not map to a BIP39 entropy size.
	ErrInvalidWordCount = errors.New("invalid mnemonic word count")

	// ErrInvalidMnemonic is returned when a mnemonic has unknown words or
	// a bad checksum.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)

// Language selects a BIP39 wordlist.
type Language uint8

const (
	// English is the default BIP39 wordlist.
	English Language = iota
	Spanish
	French
	Italian
	Japanese
	Korean
	ChineseSimplified
	ChineseTraditional
)

var languages = map[Language]struct {
	name  string
	words []string
}{
	English:            {"english", wordlists.English},
	Spanish:            {"spanish", wordlists.Spanish},
	French:             {"french", wordlists.French},
	Italian:            {"italian", wordlists.Italian},
	Japanese:           {"japanese", wordlists.Japanese},
	Korean:             {"korean", wordlists.Korean},
	ChineseSimplified:  {"chinese_simplified", wordlists.ChineseSimplified},
	ChineseTraditional: {"chinese_traditional", wordlists.ChineseTraditional},
}

// ParseLanguage parses a wordlist name.
func ParseLanguage(s string) (Language, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for l, info := range languages {
		if info.name == needle {
			return l, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownLanguage, s)
}

// String returns the wordlist name.
func (l Language) String() string {
	if info, ok := languages[l]; ok {
		return info.name
	}

	return fmt.Sprintf("Language(%d)", uint8(l))
}

// wordListMtx guards the package level wordlist of go-bip39, which every
// call below swaps in for the duration of the operation.
var wordListMtx sync.Mutex

// withLanguage runs f with the wordlist of l installed.
func withLanguage(l Language, f func() error) error {
	info, ok := languages[l]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLanguage, uint8(l))
	}

	wordListMtx.Lock()
	defer wordListMtx.Unlock()

	bip39.SetWordList(info.words)
	defer bip39.SetWordList(wordlists.English)

	return f()
}

// entropyBits maps each supported word count to its entropy size.
var entropyBits = map[int]int{
	12: 128,
	15: 160,
	18: 192,
	21: 224,
	24: 256,
}

// Generate creates a new random mnemonic with the given number of words.
func Generate(words int, lang Language) (string, error) {
	bits, ok := entropyBits[words]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrInvalidWordCount, words)
	}

	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", err
	}

	return FromEntropy(entropy, lang)
}

// FromEntropy encodes raw entropy as a mnemonic.
func FromEntropy(entropy []byte, lang Language) (string, error) {
	var words string
	err := withLanguage(lang, func() error {
		var err error
		words, err = bip39.NewMnemonic(entropy)
		return err
	})

	return words, err
}

// Validate checks the words and checksum of a mnemonic.
func Validate(words string, lang Language) error {
	return withLanguage(lang, func() error {
		if _, err := bip39.EntropyFromMnemonic(words); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
		}

		return nil
	})
}

// Seed validates the mnemonic and derives the 64 byte BIP39 seed using the
// optional passphrase.
func Seed(words, passphrase string, lang Language) ([]byte, error) {
	var seed []byte
	err := withLanguage(lang, func() error {
		var err error
		seed, err = bip39.NewSeedWithErrorChecking(words, passphrase)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
		}

		return nil
	})

	return seed, err
}
