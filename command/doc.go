/*
Package command holds the command templates that can be executed, how they are loaded from configuration, and how a template plus caller-supplied arguments is rendered into a shell script.

Templates reference arguments with "{{ name }}" placeholders. Every substituted value is shell-escaped so that argument values can't chain commands, glob, or expand when the rendered string is handed to the interpreter. Placeholders with no matching argument are left as-is, so a template can be rendered in stages.
*/
package command
