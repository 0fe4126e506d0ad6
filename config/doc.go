/*
Package config holds the configuration file definition for mailstate.

The static configuration file, mailstate.conf, is read once at startup. It
names the data directory, log levels, lock and session queue limits, and the
content store.

The file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

Run "mailstatectl describe-config" for an annotated example.
*/
package config
