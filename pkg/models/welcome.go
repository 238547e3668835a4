package models

// WelcomeTitle is the title of the root document created for a new workspace.
const WelcomeTitle = "Welcome"

// WelcomeContent is the body of the root document created for a new workspace.
func WelcomeContent() ContentTree {
	return NewContent(
		Block{Type: "header", Data: JSONMap{
			"text":  "👋 Welcome to your workspace!",
			"level": float64(3),
		}},
		Block{Type: "paragraph", Data: JSONMap{
			"text": "This is your first document. Use it to organise your thoughts, tasks and projects.",
		}},
		Block{Type: "header", Data: JSONMap{
			"text":  "✨ Getting started",
			"level": float64(4),
		}},
		Block{Type: "list", Data: JSONMap{
			"style": "unordered",
			"items": []any{
				"Press <kbd>/</kbd> to open the command menu",
				"Create headings, lists and checklists",
				"Add nested documents to organise your notes",
				"Use the star in the top bar to add a document to favorites",
			},
		}},
		Block{Type: "header", Data: JSONMap{
			"text":  "✅ Your first tasks",
			"level": float64(4),
		}},
		Block{Type: "list", Data: JSONMap{
			"style": "checklist",
			"items": []any{
				"Explore the interface",
				"Create your first nested document",
				"Add a document to favorites",
				"Share a document with a colleague",
			},
		}},
		Block{Type: "paragraph", Data: JSONMap{
			"text": "Good luck with your documents!",
		}},
	)
}
